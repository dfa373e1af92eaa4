package logger

import "log/slog"

// Request attributes
func RequestID(id string) slog.Attr {
	return slog.String("request_id", id)
}

func Method(method string) slog.Attr {
	return slog.String("method", method)
}

func Path(path string) slog.Attr {
	return slog.String("path", path)
}

func RemoteAddr(addr string) slog.Attr {
	return slog.String("remote_addr", addr)
}

func StatusCode(code int) slog.Attr {
	return slog.Int("status_code", code)
}

func Duration(ms int64) slog.Attr {
	return slog.Int64("duration_ms", ms)
}

// Identity attributes
func UserID(id int64) slog.Attr {
	return slog.Int64("user_id", id)
}

func Username(name string) slog.Attr {
	return slog.String("username", name)
}

func GroupID(id int64) slog.Attr {
	return slog.Int64("group_id", id)
}

func TypeID(id int64) slog.Attr {
	return slog.Int64("type_id", id)
}

func SessionID(id int64) slog.Attr {
	return slog.Int64("session_id", id)
}

// Workflow attributes
func BindingID(id int64) slog.Attr {
	return slog.Int64("binding_id", id)
}

func MainID(id string) slog.Attr {
	return slog.String("main_id", id)
}

// Error attributes
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}

func ErrorKind(kind string) slog.Attr {
	return slog.String("error_kind", kind)
}

// Database attributes
func RowsAffected(rows int64) slog.Attr {
	return slog.Int64("rows_affected", rows)
}

func Component(name string) slog.Attr {
	return slog.String("component", name)
}

func Operation(op string) slog.Attr {
	return slog.String("operation", op)
}
