// Package journal appends one JSON line per accepted direct message.
package journal
