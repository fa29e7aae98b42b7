package core

import "strconv"

// Log values are formatted with strconv only; fmt would cost the firmware
// image tens of kilobytes.

func itoa(n int) string {
	return strconv.Itoa(n)
}

func utoa(n uint32) string {
	return strconv.FormatUint(uint64(n), 10)
}

// valueToString formats the value types the engines log. Anything else
// prints as "?".
func valueToString(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return "<nil>"
	case string:
		return val
	case error:
		return val.Error()
	case interface{ String() string }:
		return val.String()
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int32:
		return strconv.FormatInt(int64(val), 10)
	case int64:
		return strconv.FormatInt(val, 10)
	case uint:
		return strconv.FormatUint(uint64(val), 10)
	case uint8:
		return strconv.FormatUint(uint64(val), 10)
	case uint16:
		return strconv.FormatUint(uint64(val), 10)
	case uint32:
		return strconv.FormatUint(uint64(val), 10)
	case uint64:
		return strconv.FormatUint(val, 10)
	case LineID:
		return strconv.FormatUint(uint64(val), 10)
	case UnitID:
		return strconv.FormatUint(uint64(val), 10)
	default:
		return "?"
	}
}
