// AngelaMos | 2026
// context.go

package middleware

type contextKey string
