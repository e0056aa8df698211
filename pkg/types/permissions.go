// pkg/types/permissions.go
package types

import "strings"

// Permission is a bitset of per-member group permissions.
type Permission uint8

const (
	PermissionAdmin Permission = 1 << iota
	PermissionRemoteDeleteAnything
	PermissionEditOrRemoteDeleteOwnMessages
	PermissionChangeSettings
	PermissionSendMessage
)

// DefaultMemberPermissions is what a plain (non-admin) member gets.
const DefaultMemberPermissions = PermissionEditOrRemoteDeleteOwnMessages | PermissionSendMessage

// AdminPermissions is the full permission set granted to administrators.
const AdminPermissions = PermissionAdmin | PermissionRemoteDeleteAnything |
	PermissionEditOrRemoteDeleteOwnMessages | PermissionChangeSettings | PermissionSendMessage

func (p Permission) Has(flag Permission) bool { return p&flag == flag }

func (p Permission) IsAdmin() bool { return p.Has(PermissionAdmin) }

func (p Permission) String() string {
	var parts []string
	if p.Has(PermissionAdmin) {
		parts = append(parts, "admin")
	}
	if p.Has(PermissionRemoteDeleteAnything) {
		parts = append(parts, "remote_delete_anything")
	}
	if p.Has(PermissionEditOrRemoteDeleteOwnMessages) {
		parts = append(parts, "edit_own_messages")
	}
	if p.Has(PermissionChangeSettings) {
		parts = append(parts, "change_settings")
	}
	if p.Has(PermissionSendMessage) {
		parts = append(parts, "send_message")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}
