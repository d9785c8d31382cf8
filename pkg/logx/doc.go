// Package logx is a small structured logging facade over zerolog.
//
// Components receive a Logger (usually derived with a "comp" field) and never
// touch zerolog directly, so sinks and levels can be reconfigured at runtime
// through the owning Service.
package logx
