package wire

// CallbackCommand 是应答信封的命令名。
const CallbackCommand = "callback"

// Fault 是跨邮箱边界传递的错误结果。
type Fault struct {
	// Code 错误分类码，接收方据此还原哨兵错误
	Code string
	// Message 人类可读的错误描述
	Message string
}

// Envelope 是一次命令调用或一次应答在邮箱上的逻辑消息。
//
// 请求信封：ID 在期望应答时非空，Ack 表示调用者是否等待 callback。
// 应答信封：Command 为 "callback"，ID 为被应答请求的 ID，Result 或 Err 携带结果。
type Envelope struct {
	// ID 请求 ID，在单个连接的未完成请求中唯一
	ID string
	// Command 命令名
	Command string
	// Sender 发送者身份
	Sender string
	// Target 目标身份
	Target string
	// Args 位置参数
	Args []any
	// Kwargs 关键字参数
	Kwargs map[string]any
	// Ack 调用者是否期望 callback
	Ack bool
	// Result 应答结果
	Result any
	// Err 应答错误
	Err *Fault
}

// IsCallback 报告信封是否为应答。
func (e *Envelope) IsCallback() bool { return e.Command == CallbackCommand }

// WantsReply 报告请求是否需要 callback。
func (e *Envelope) WantsReply() bool { return e.Ack && e.ID != "" }

// Callback 构造对 req 的应答信封，它沿原连接返回，不做重新路由。
func Callback(req *Envelope, result any, fault *Fault) *Envelope {
	return &Envelope{
		ID:      req.ID,
		Command: CallbackCommand,
		Sender:  req.Target,
		Target:  req.Sender,
		Result:  result,
		Err:     fault,
	}
}
