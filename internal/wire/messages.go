package wire

import "fmt"

// Message catalog. Each type below is encoded with
// github.com/gogo/protobuf/proto's reflection-based marshaler: the
// `protobuf:"..."` struct tags are all it needs, so there is no generated
// .pb.go here. This keeps the codec decoupled from however the server's
// actual .proto schema is maintained, per spec.md 4.1 / 6.

// Envelope peeks at field 1 of a message, which for every message except
// Ping/Pong (whose field 1 is a uint64 nonce, answered by the Transport
// before routing) is either a session id or (for the pre-session-id
// SessionOpen/SessionOpened exchange) a Transport-local temp id. The Transport uses this to route an
// inbound frame to its packet owner without fully decoding the concrete
// message type first.
type Envelope struct {
	RoutingId uint32 `protobuf:"varint,1,opt,name=routing_id" json:"routing_id,omitempty"`
}

func (m *Envelope) Reset()         { *m = Envelope{} }
func (m *Envelope) String() string { return fmt.Sprintf("%+v", *m) }
func (*Envelope) ProtoMessage()    {}

// SessionOpen requests a new logical session on a Transport. TempId is a
// Transport-local correlation id (not the server-assigned session id, which
// doesn't exist yet) used to route the SessionOpened reply back to the
// caller awaiting it.
type SessionOpen struct {
	TempId        uint32 `protobuf:"varint,1,opt,name=temp_id" json:"temp_id,omitempty"`
	DefaultSchema string `protobuf:"bytes,2,opt,name=default_schema" json:"default_schema,omitempty"`
	User          string `protobuf:"bytes,3,opt,name=user" json:"user,omitempty"`
	AuthResponse  []byte `protobuf:"bytes,4,opt,name=auth_response" json:"auth_response,omitempty"`
}

func (m *SessionOpen) Reset()         { *m = SessionOpen{} }
func (m *SessionOpen) String() string { return fmt.Sprintf("%+v", *m) }
func (*SessionOpen) ProtoMessage()    {}

// SessionOpened is the server's response to SessionOpen.
type SessionOpened struct {
	TempId       uint32 `protobuf:"varint,1,opt,name=temp_id" json:"temp_id,omitempty"`
	SessionId    uint32 `protobuf:"varint,2,opt,name=session_id" json:"session_id,omitempty"`
	ConnectionId uint32 `protobuf:"varint,3,opt,name=connection_id" json:"connection_id,omitempty"`
}

func (m *SessionOpened) Reset()         { *m = SessionOpened{} }
func (m *SessionOpened) String() string { return fmt.Sprintf("%+v", *m) }
func (*SessionOpened) ProtoMessage()    {}

// SessionClose tells the server to tear a session down.
type SessionClose struct {
	SessionId uint32 `protobuf:"varint,1,opt,name=session_id" json:"session_id,omitempty"`
}

func (m *SessionClose) Reset()         { *m = SessionClose{} }
func (m *SessionClose) String() string { return fmt.Sprintf("%+v", *m) }
func (*SessionClose) ProtoMessage()    {}

// SessionReset asks the server to reset session state (used on release when
// a Session is recycled rather than dropped).
type SessionReset struct {
	SessionId uint32 `protobuf:"varint,1,opt,name=session_id" json:"session_id,omitempty"`
}

func (m *SessionReset) Reset()         { *m = SessionReset{} }
func (m *SessionReset) String() string { return fmt.Sprintf("%+v", *m) }
func (*SessionReset) ProtoMessage()    {}

// LazyTxnEnvelope carries the optional piggy-backed lazy-CTS-transaction
// metadata on the first user statement of a transaction, per spec.md 9
// ("lazy session state").
type LazyTxnEnvelope struct {
	SnapshotSeq uint64 `protobuf:"varint,1,opt,name=snapshot_seq" json:"snapshot_seq,omitempty"`
	CommitSeq   uint64 `protobuf:"varint,2,opt,name=commit_seq" json:"commit_seq,omitempty"`
}

func (m *LazyTxnEnvelope) Reset()         { *m = LazyTxnEnvelope{} }
func (m *LazyTxnEnvelope) String() string { return fmt.Sprintf("%+v", *m) }
func (*LazyTxnEnvelope) ProtoMessage()    {}

// ExecSQL carries a SQL statement, its parameters and an optional digest.
type ExecSQL struct {
	SessionId    uint32           `protobuf:"varint,1,opt,name=session_id" json:"session_id,omitempty"`
	Seq          uint64           `protobuf:"varint,2,opt,name=seq" json:"seq,omitempty"`
	Sql          []byte           `protobuf:"bytes,3,opt,name=sql" json:"sql,omitempty"`
	Params       [][]byte         `protobuf:"bytes,4,rep,name=params" json:"params,omitempty"`
	Hint         string           `protobuf:"bytes,5,opt,name=hint" json:"hint,omitempty"`
	Digest       []byte           `protobuf:"bytes,6,opt,name=digest" json:"digest,omitempty"`
	Streaming    bool             `protobuf:"varint,7,opt,name=streaming" json:"streaming,omitempty"`
	TokenWindow  uint32           `protobuf:"varint,8,opt,name=token_window" json:"token_window,omitempty"`
	IgnoreResult bool             `protobuf:"varint,9,opt,name=ignore_result" json:"ignore_result,omitempty"`
	Returning    bool             `protobuf:"varint,10,opt,name=returning" json:"returning,omitempty"`
	TraceId      string           `protobuf:"bytes,11,opt,name=trace_id" json:"trace_id,omitempty"`
	LazyTxn      *LazyTxnEnvelope `protobuf:"bytes,12,opt,name=lazy_txn" json:"lazy_txn,omitempty"`
}

func (m *ExecSQL) Reset()         { *m = ExecSQL{} }
func (m *ExecSQL) String() string { return fmt.Sprintf("%+v", *m) }
func (*ExecSQL) ProtoMessage()    {}

// ExecPlan carries a pre-planned execution request (bypassing SQL text).
type ExecPlan struct {
	SessionId    uint32 `protobuf:"varint,1,opt,name=session_id" json:"session_id,omitempty"`
	Seq          uint64 `protobuf:"varint,2,opt,name=seq" json:"seq,omitempty"`
	Plan         []byte `protobuf:"bytes,3,opt,name=plan" json:"plan,omitempty"`
	Streaming    bool   `protobuf:"varint,4,opt,name=streaming" json:"streaming,omitempty"`
	TokenWindow  uint32 `protobuf:"varint,5,opt,name=token_window" json:"token_window,omitempty"`
	IgnoreResult bool   `protobuf:"varint,6,opt,name=ignore_result" json:"ignore_result,omitempty"`
}

func (m *ExecPlan) Reset()         { *m = ExecPlan{} }
func (m *ExecPlan) String() string { return fmt.Sprintf("%+v", *m) }
func (*ExecPlan) ProtoMessage()    {}

// GalaxyPrepare is the "galaxy" prepared-statement variant carrying table
// descriptors and packed parameters, per spec.md 6.
type GalaxyPrepare struct {
	SessionId    uint32   `protobuf:"varint,1,opt,name=session_id" json:"session_id,omitempty"`
	Seq          uint64   `protobuf:"varint,2,opt,name=seq" json:"seq,omitempty"`
	Sql          []byte   `protobuf:"bytes,3,opt,name=sql" json:"sql,omitempty"`
	Hint         string   `protobuf:"bytes,4,opt,name=hint" json:"hint,omitempty"`
	Digest       []byte   `protobuf:"bytes,5,opt,name=digest" json:"digest,omitempty"`
	Tables       []string `protobuf:"bytes,6,rep,name=tables" json:"tables,omitempty"`
	PackedParams []byte   `protobuf:"bytes,7,opt,name=packed_params" json:"packed_params,omitempty"`
	ParamNum     uint32   `protobuf:"varint,8,opt,name=param_num" json:"param_num,omitempty"`
	IgnoreResult bool     `protobuf:"varint,9,opt,name=ignore_result" json:"ignore_result,omitempty"`
	IsUpdate     bool     `protobuf:"varint,10,opt,name=is_update" json:"is_update,omitempty"`
}

func (m *GalaxyPrepare) Reset()         { *m = GalaxyPrepare{} }
func (m *GalaxyPrepare) String() string { return fmt.Sprintf("%+v", *m) }
func (*GalaxyPrepare) ProtoMessage()    {}

// FetchMore grants more row-chunk tokens to the server (tokenOffer).
type FetchMore struct {
	SessionId uint32 `protobuf:"varint,1,opt,name=session_id" json:"session_id,omitempty"`
	Seq       uint64 `protobuf:"varint,2,opt,name=seq" json:"seq,omitempty"`
	Tokens    uint32 `protobuf:"varint,3,opt,name=tokens" json:"tokens,omitempty"`
}

func (m *FetchMore) Reset()         { *m = FetchMore{} }
func (m *FetchMore) String() string { return fmt.Sprintf("%+v", *m) }
func (*FetchMore) ProtoMessage()    {}

// Cancel requests out-of-band cancellation of the current request on a
// session.
type Cancel struct {
	SessionId uint32 `protobuf:"varint,1,opt,name=session_id" json:"session_id,omitempty"`
	Kill      bool   `protobuf:"varint,2,opt,name=kill" json:"kill,omitempty"`
}

func (m *Cancel) Reset()         { *m = Cancel{} }
func (m *Cancel) String() string { return fmt.Sprintf("%+v", *m) }
func (*Cancel) ProtoMessage()    {}

// TSORequest asks the storage node's timestamp allocator for count
// monotonically increasing timestamps.
type TSORequest struct {
	SessionId uint32 `protobuf:"varint,1,opt,name=session_id" json:"session_id,omitempty"`
	Seq       uint64 `protobuf:"varint,2,opt,name=seq" json:"seq,omitempty"`
	Count     uint32 `protobuf:"varint,3,opt,name=count" json:"count,omitempty"`
}

func (m *TSORequest) Reset()         { *m = TSORequest{} }
func (m *TSORequest) String() string { return fmt.Sprintf("%+v", *m) }
func (*TSORequest) ProtoMessage()    {}

// TSOResponse carries the allocated timestamp sequence. SessionId leads as
// field 1, matching every other response message's routing-by-field-1
// invariant documented on Envelope.
type TSOResponse struct {
	SessionId  uint32   `protobuf:"varint,1,opt,name=session_id" json:"session_id,omitempty"`
	Seq        uint64   `protobuf:"varint,2,opt,name=seq" json:"seq,omitempty"`
	Timestamps []uint64 `protobuf:"varint,3,rep,name=timestamps" json:"timestamps,omitempty"`
}

func (m *TSOResponse) Reset()         { *m = TSOResponse{} }
func (m *TSOResponse) String() string { return fmt.Sprintf("%+v", *m) }
func (*TSOResponse) ProtoMessage()    {}

// SetVariables batches session-variable assignments. These are frequently
// sent as flush-ignorable frames piggy-backed ahead of the next real
// request, per spec.md 4.2.
type SetVariables struct {
	SessionId uint32            `protobuf:"varint,1,opt,name=session_id" json:"session_id,omitempty"`
	Seq       uint64            `protobuf:"varint,2,opt,name=seq" json:"seq,omitempty"`
	Variables map[string]string `protobuf:"bytes,3,rep,name=variables" json:"variables,omitempty"`
	Global    bool              `protobuf:"varint,4,opt,name=global" json:"global,omitempty"`
}

func (m *SetVariables) Reset()         { *m = SetVariables{} }
func (m *SetVariables) String() string { return fmt.Sprintf("%+v", *m) }
func (*SetVariables) ProtoMessage()    {}

// Ping/Pong implement Transport liveness, per spec.md 4.2.
type Ping struct {
	Nonce uint64 `protobuf:"varint,1,opt,name=nonce" json:"nonce,omitempty"`
}

func (m *Ping) Reset()         { *m = Ping{} }
func (m *Ping) String() string { return fmt.Sprintf("%+v", *m) }
func (*Ping) ProtoMessage()    {}

type Pong struct {
	Nonce uint64 `protobuf:"varint,1,opt,name=nonce" json:"nonce,omitempty"`
}

func (m *Pong) Reset()         { *m = Pong{} }
func (m *Pong) String() string { return fmt.Sprintf("%+v", *m) }
func (*Pong) ProtoMessage()    {}

// Notice is a connection-scope, asynchronously delivered message: a
// warning attached to the owning request, a session-killed signal, or a
// session-state change the server wants the client to know about.
type Notice struct {
	SessionId uint32     `protobuf:"varint,1,opt,name=session_id" json:"session_id,omitempty"`
	Kind      NoticeKind `protobuf:"varint,2,opt,name=kind" json:"kind,omitempty"`
	Code      uint32     `protobuf:"varint,3,opt,name=code" json:"code,omitempty"`
	Message   string     `protobuf:"bytes,4,opt,name=message" json:"message,omitempty"`
}

func (m *Notice) Reset()         { *m = Notice{} }
func (m *Notice) String() string { return fmt.Sprintf("%+v", *m) }
func (*Notice) ProtoMessage()    {}

// ColumnMeta describes the result-set shape for a request.
type ColumnMeta struct {
	SessionId uint32   `protobuf:"varint,1,opt,name=session_id" json:"session_id,omitempty"`
	Seq       uint64   `protobuf:"varint,2,opt,name=seq" json:"seq,omitempty"`
	Names     []string `protobuf:"bytes,3,rep,name=names" json:"names,omitempty"`
	Types     []uint32 `protobuf:"varint,4,rep,name=types" json:"types,omitempty"`
	Compact   bool     `protobuf:"varint,5,opt,name=compact" json:"compact,omitempty"`
}

func (m *ColumnMeta) Reset()         { *m = ColumnMeta{} }
func (m *ColumnMeta) String() string { return fmt.Sprintf("%+v", *m) }
func (*ColumnMeta) ProtoMessage()    {}

// Row carries one row-chunk of values for a request.
type Row struct {
	SessionId uint32   `protobuf:"varint,1,opt,name=session_id" json:"session_id,omitempty"`
	Seq       uint64   `protobuf:"varint,2,opt,name=seq" json:"seq,omitempty"`
	Values    [][]byte `protobuf:"bytes,3,rep,name=values" json:"values,omitempty"`
	Nulls     []bool   `protobuf:"varint,4,rep,name=nulls" json:"nulls,omitempty"`
}

func (m *Row) Reset()         { *m = Row{} }
func (m *Row) String() string { return fmt.Sprintf("%+v", *m) }
func (*Row) ProtoMessage()    {}

// OK is the terminal, successful status frame for a non-row-producing
// request.
type OK struct {
	SessionId     uint32 `protobuf:"varint,1,opt,name=session_id" json:"session_id,omitempty"`
	Seq           uint64 `protobuf:"varint,2,opt,name=seq" json:"seq,omitempty"`
	AffectedRows  uint64 `protobuf:"varint,3,opt,name=affected_rows" json:"affected_rows,omitempty"`
	LastInsertId  uint64 `protobuf:"varint,4,opt,name=last_insert_id" json:"last_insert_id,omitempty"`
	AutoCommitAck bool   `protobuf:"varint,5,opt,name=auto_commit_ack" json:"auto_commit_ack,omitempty"`
}

func (m *OK) Reset()         { *m = OK{} }
func (m *OK) String() string { return fmt.Sprintf("%+v", *m) }
func (*OK) ProtoMessage()    {}

// EOF is the terminal, successful status frame for a row-producing
// request.
type EOF struct {
	SessionId uint32 `protobuf:"varint,1,opt,name=session_id" json:"session_id,omitempty"`
	Seq       uint64 `protobuf:"varint,2,opt,name=seq" json:"seq,omitempty"`
	RowCount  uint64 `protobuf:"varint,3,opt,name=row_count" json:"row_count,omitempty"`
}

func (m *EOF) Reset()         { *m = EOF{} }
func (m *EOF) String() string { return fmt.Sprintf("%+v", *m) }
func (*EOF) ProtoMessage()    {}

// Error is the terminal, failed status frame, carrying a server-signalled
// SQL-state + vendor code + message.
type Error struct {
	SessionId uint32 `protobuf:"varint,1,opt,name=session_id" json:"session_id,omitempty"`
	Seq       uint64 `protobuf:"varint,2,opt,name=seq" json:"seq,omitempty"`
	SqlState  string `protobuf:"bytes,3,opt,name=sql_state" json:"sql_state,omitempty"`
	Code      uint32 `protobuf:"varint,4,opt,name=code" json:"code,omitempty"`
	Message   string `protobuf:"bytes,5,opt,name=message" json:"message,omitempty"`
	Fatal     bool   `protobuf:"varint,6,opt,name=fatal" json:"fatal,omitempty"`
}

func (m *Error) Reset()         { *m = Error{} }
func (m *Error) String() string { return fmt.Sprintf("%+v", *m) }
func (*Error) ProtoMessage()    {}
