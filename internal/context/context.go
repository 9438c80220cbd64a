package context

import (
	"context"
)

// ContextKey is a custom type for context keys to avoid collisions
type ContextKey string

const (
	// UserIDKey is the context key for user ID
	UserIDKey ContextKey = "user_id"
	// UsernameKey is the context key for username
	UsernameKey ContextKey = "username"
	// RoleKey is the context key for the user role
	RoleKey ContextKey = "role"
	// AuthSessionIDKey is the context key for the auth session ID
	AuthSessionIDKey ContextKey = "auth_session_id"
)

// ExtractUserID extracts the user ID from the request context
func ExtractUserID(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(UserIDKey).(string)
	return userID, ok
}

// ExtractUsername extracts the username from the request context
func ExtractUsername(ctx context.Context) (string, bool) {
	username, ok := ctx.Value(UsernameKey).(string)
	return username, ok
}

// ExtractRole extracts the user role from the request context
func ExtractRole(ctx context.Context) (string, bool) {
	role, ok := ctx.Value(RoleKey).(string)
	return role, ok
}

// ExtractAuthSessionID extracts the auth session ID from the request context
func ExtractAuthSessionID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(AuthSessionIDKey).(string)
	return id, ok
}

// IsAdmin reports whether the request context carries the admin role
func IsAdmin(ctx context.Context) bool {
	role, ok := ExtractRole(ctx)
	return ok && role == "admin"
}
