// Package logx provides a small structured logging facade over zerolog.
//
// Components hold a Logger value; the Service owns sink configuration and
// can be re-applied at runtime without invalidating existing loggers.
package logx
