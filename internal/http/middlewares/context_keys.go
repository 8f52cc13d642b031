package middlewares

type ctxKey string

const (
	CtxUsername  ctxKey = "username"
	CtxRole      ctxKey = "role"
	CtxRequestID ctxKey = "request_id"
	CtxJobID     ctxKey = "job_id"
)
