package xrpc

import "reflect"

// The following stand in for the JDBC-surface features spec.md 9(a) and
// Non-goals exclude from this driver's scope but that a JDBC-shaped Handle
// is still expected to expose, if only to refuse them predictably instead
// of panicking on a missing method.

// CreateStatement is the JDBC-shaped factory this driver doesn't implement;
// callers build requests directly via ExecQuery/ExecUpdate instead. Always
// returns NotSupported, per spec.md 9(a).
func (c *Conn) CreateStatement() error {
	return Error[NotSupportedContext]{Context: NotSupportedContext{Op: "createStatement"}}
}

// SetSavepoint is not implemented by the storage-node protocol this driver
// speaks.
func (c *Conn) SetSavepoint(name string) error {
	return Error[NotSupportedContext]{Context: NotSupportedContext{Op: "setSavepoint"}}
}

// SetCatalog is not meaningful for this engine's single-schema-per-session
// model; SetDefaultDB is the supported equivalent.
func (c *Conn) SetCatalog(catalog string) error {
	return Error[NotSupportedContext]{Context: NotSupportedContext{Op: "setCatalog"}}
}

// SetHoldability is not implemented.
func (c *Conn) SetHoldability(holdability int) error {
	return Error[NotSupportedContext]{Context: NotSupportedContext{Op: "setHoldability"}}
}

// IsWrapperFor reports whether target is assignable from c, the reverse of
// the naive `reflect.TypeOf(c) == target` check spec.md 9(b) flags as
// backwards: java.sql.Wrapper.isWrapperFor(iface) asks "can I be unwrapped
// as iface", i.e. whether iface is (or is implemented by) the receiver, not
// whether the receiver's own type equals iface.
func (c *Conn) IsWrapperFor(target interface{}) bool {
	if target == nil {
		return false
	}
	targetType := reflect.TypeOf(target)
	connType := reflect.TypeOf(c)
	if targetType.Kind() == reflect.Ptr && connType.Kind() == reflect.Ptr {
		return connType.Elem().AssignableTo(targetType.Elem()) || connType.AssignableTo(targetType)
	}
	return connType.AssignableTo(targetType)
}
