// Package auth authenticates access keys and checks typed permissions.
//
// Permissions are decoded and validated once, when keys are loaded. A
// Principal carries the permissions that applied to the client's address
// and origin at authentication time, plus the resolved set of devices it
// may observe through subscriptions that name no devices.
package auth
