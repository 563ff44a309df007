package wire

// ActorProxy 是对 Actor 的可序列化能力引用。
// 它不持有连接，可以放在消息负载中传递。
type ActorProxy struct {
	// ID Actor 身份
	ID string
	// Name 可选的人类可读名称
	Name string
	// Kind 并发类型（thread 或 process）
	Kind string
	// Commands 声明的命令及其 ack 标志
	Commands map[string]bool
}

// Identity 返回 Actor 身份。
func (p ActorProxy) Identity() string { return p.ID }

// String 实现 fmt.Stringer。
func (p ActorProxy) String() string {
	if p.Name != "" && p.Name != p.ID {
		return p.Name + "(" + p.ID + ")"
	}
	return p.ID
}

// Acks 报告命令的 ack 标志；未声明的命令视为需要应答。
func (p ActorProxy) Acks(command string) bool {
	ack, ok := p.Commands[command]
	return !ok || ack
}
