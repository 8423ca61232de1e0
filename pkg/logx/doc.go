// Package logx is reviewremind's structured logger: a thin layer over zerolog
// whose outputs and level can be swapped while the process runs.
//
// Console lines are human readable with a file:line caller; the optional log
// file gets one JSON object per line.
package logx
