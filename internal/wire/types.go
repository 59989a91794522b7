// Package wire implements the length-prefixed protobuf frame codec used by
// the X-protocol dialect this driver speaks. It is deliberately agnostic to
// message semantics: callers hand it a Type and a proto.Message, and it
// handles length-prefixing and type tagging. The message catalog itself
// (field layout, numbering) is carried here as plain Go structs with
// protobuf struct tags rather than protoc-generated code, since the
// upstream .proto schema is treated as an opaque, externally-owned asset.
package wire

// Type is the single-byte message type tag that follows the 4-byte length
// prefix on the wire.
type Type uint8

const (
	TypeSessionOpen  Type = 0x01
	TypeSessionClose Type = 0x02
	TypeSessionReset Type = 0x03

	TypeExecPlan        Type = 0x10
	TypeExecSQL         Type = 0x11
	TypeGalaxyPrepare   Type = 0x12
	TypeFetchMore       Type = 0x13
	TypeCancel          Type = 0x14
	TypeTSO             Type = 0x15
	TypeSetVariables    Type = 0x16
	TypeSetGlobalVars   Type = 0x17
	TypePing            Type = 0x18

	TypeNotice        Type = 0x20
	TypeColumnMeta    Type = 0x21
	TypeRow           Type = 0x22
	TypeOK            Type = 0x23
	TypeEOF           Type = 0x24
	TypeError         Type = 0x25
	TypeSessionOpened Type = 0x26
	TypePong          Type = 0x27
	TypeTSOResult     Type = 0x28
)

func (t Type) String() string {
	switch t {
	case TypeSessionOpen:
		return "SESSION_OPEN"
	case TypeSessionClose:
		return "SESSION_CLOSE"
	case TypeSessionReset:
		return "SESSION_RESET"
	case TypeExecPlan:
		return "EXEC_PLAN"
	case TypeExecSQL:
		return "EXEC_SQL"
	case TypeGalaxyPrepare:
		return "GALAXY_PREPARE"
	case TypeFetchMore:
		return "FETCH_MORE"
	case TypeCancel:
		return "CANCEL"
	case TypeTSO:
		return "TSO"
	case TypeSetVariables:
		return "SET_VARIABLES"
	case TypeSetGlobalVars:
		return "SET_GLOBAL_VARS"
	case TypePing:
		return "PING"
	case TypeNotice:
		return "NOTICE"
	case TypeColumnMeta:
		return "COLUMN_META"
	case TypeRow:
		return "ROW"
	case TypeOK:
		return "OK"
	case TypeEOF:
		return "EOF"
	case TypeError:
		return "ERROR"
	case TypeSessionOpened:
		return "SESSION_OPENED"
	case TypePong:
		return "PONG"
	case TypeTSOResult:
		return "TSO_RESULT"
	default:
		return "UNKNOWN"
	}
}

// NoticeKind distinguishes the connection-scope notices the Transport
// handles inline, per spec.md 4.2.
type NoticeKind uint32

const (
	NoticeWarning       NoticeKind = 0
	NoticeSessionKilled NoticeKind = 1
	NoticeSessionState  NoticeKind = 2
)
