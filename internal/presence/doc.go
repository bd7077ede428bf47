// Package presence tracks which users currently hold at least one live
// connection. Counts are per identity and compare case-insensitively.
package presence
