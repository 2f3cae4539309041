// Package slave 实现构建节点。
//
// 节点与 Master 严格按请求/应答交替通信：发送 IDLE 宣告自身能力，阻塞等待
// COMMAND，执行完成后再次发送 IDLE。执行过程中的状态（开始、输出、心跳、
// 结束）通过独立的状态通道推送给 Master。
package slave
