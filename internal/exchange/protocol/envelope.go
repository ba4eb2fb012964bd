package protocol

import "encoding/json"

// Request 出站请求信封 {id, method, params}
// params 里总是带上 apiKey/timestamp/signature（由 Conn 在发送前注入）。
type Request struct {
	ID     string            `json:"id,omitempty"`
	Method string            `json:"method"`
	Params map[string]string `json:"params,omitempty"`
}

// ErrorBody 交易所业务错误体
type ErrorBody struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// Message 入站消息。三种形态：
// - 响应：带 id，status/result 或 error
// - 服务端推送：带 event（账户事件、行情快照），没有 id
// - 服务端心跳：method=ping，需要带内应答，绝不进入关联表
type Message struct {
	ID     string          `json:"id,omitempty"`
	Status int             `json:"status,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorBody      `json:"error,omitempty"`

	Method string          `json:"method,omitempty"`
	Event  string          `json:"event,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// IsResponse 是否为某个在途请求的响应
func (m *Message) IsResponse() bool {
	return m.ID != ""
}

// IsServerPing 是否为服务端心跳探测
func (m *Message) IsServerPing() bool {
	return m.ID == "" && m.Method == "ping"
}

// IsPush 是否为服务端事件推送
func (m *Message) IsPush() bool {
	return m.ID == "" && m.Event != ""
}
