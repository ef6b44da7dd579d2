package broker

import "fmt"

// ConnectionError broker 不可达或认证失败；复制功能失效，客户端降级继续运行
type ConnectionError struct {
	URL string
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("broker connect %s (%s): %v", e.URL, e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// PublishError 单次发布失败，记录后丢弃，不做同步重试
type PublishError struct {
	Exchange string
	Key      string
	Err      error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish %s/%s: %v", e.Exchange, e.Key, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// RebindError 区域队列切换失败，旧绑定保持有效
type RebindError struct {
	From string
	To   string
	Err  error
}

func (e *RebindError) Error() string {
	return fmt.Sprintf("rebind transfer queue %s -> %s: %v", e.From, e.To, e.Err)
}

func (e *RebindError) Unwrap() error { return e.Err }
