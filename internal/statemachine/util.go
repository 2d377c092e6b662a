package statemachine

import "strconv"

func itoa64(v int64) string  { return strconv.FormatInt(v, 10) }
func utoa(v uint64) string   { return strconv.FormatUint(v, 10) }
func atoi64(s string) int64  { v, _ := strconv.ParseInt(s, 10, 64); return v }
func atou64(s string) uint64 { v, _ := strconv.ParseUint(s, 10, 64); return v }
