// Package auth carries authenticated caller info through request contexts.
package auth

import (
	"context"
)

type contextKey string

const (
	identityIDKey contextKey = "identity_id"
	deviceIDKey   contextKey = "device_id"
	roleKey       contextKey = "role"
)

// SetAuthContext stores the authenticated caller in the context.
func SetAuthContext(ctx context.Context, identityID, deviceID, role string) context.Context {
	ctx = context.WithValue(ctx, identityIDKey, identityID)
	ctx = context.WithValue(ctx, deviceIDKey, deviceID)
	return context.WithValue(ctx, roleKey, role)
}

// GetIdentityID retrieves the authenticated identity id.
func GetIdentityID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(identityIDKey).(string)
	return v, ok
}

// GetDeviceID retrieves the device id bound to the token, if any.
func GetDeviceID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(deviceIDKey).(string)
	return v, ok
}

// GetRole retrieves the caller's role.
func GetRole(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(roleKey).(string)
	return v, ok
}
