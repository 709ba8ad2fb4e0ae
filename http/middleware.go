package http

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	kithttp "github.com/influxdata/replication/kit/transport/http"
	"github.com/influxdata/replication/logger"
	"go.uber.org/zap"
)

// LoggingMW middleware for logging inflight http requests. Handlers find a
// logger scoped to the request in its context.
func LoggingMW(log *zap.Logger) kithttp.Middleware {
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			srw := kithttp.NewStatusResponseWriter(w)

			var buf bytes.Buffer
			r.Body = &bodyEchoer{
				rc:    r.Body,
				teedR: io.TeeReader(r.Body, &buf),
			}

			defer func(start time.Time) {
				errField := zap.Skip()
				if errStr := w.Header().Get(kithttp.ErrorCodeHeader); errStr != "" {
					errField = zap.Error(errors.New(errStr))
				}

				fields := []zap.Field{
					zap.String("method", r.Method),
					zap.String("host", r.Host),
					zap.String("path", r.URL.Path),
					zap.String("query", r.URL.Query().Encode()),
					zap.String("proto", r.Proto),
					zap.Int("status_code", srw.Code()),
					zap.Int("response_size", srw.ResponseBytes()),
					zap.Int64("content_length", r.ContentLength),
					zap.String("remote", r.RemoteAddr),
					zap.String("user_agent", r.UserAgent()),
					zap.Duration("took", time.Since(start)),
					errField,
				}

				if ignored, ok := mapURLPath(r.URL.Path); !ok || !ignored(r.Method) {
					fields = append(fields, zap.ByteString("body", buf.Bytes()))
				}

				log.Debug("Request", fields...)
			}(time.Now())

			reqLog := log.With(zap.String("method", r.Method), zap.String("path", r.URL.Path))
			next.ServeHTTP(srw, r.WithContext(logger.NewContextWithLogger(r.Context(), reqLog)))
		}
		return http.HandlerFunc(fn)
	}
}

type isIgnoredMethodFn func(method string) bool

// mapURLPath finds the body logging rule of the route rawPath belongs to.
func mapURLPath(rawPath string) (isIgnoredMethodFn, bool) {
	if fn, ok := unloggedBodies[rawPath]; ok {
		return fn, true
	}

	shiftPath := func(p string) (head, tail string) {
		p = path.Clean("/" + p)
		i := strings.Index(p[1:], "/") + 1
		if i <= 0 {
			return p[1:], "/"
		}
		return p[1:i], p[i:]
	}

	partsMatch := func(raw, source string) bool {
		return raw == source || (strings.HasPrefix(source, ":") && raw != "")
	}

	compareRawSourceURLs := func(raw, source string) bool {
		sourceHead, sourceTail := shiftPath(source)
		for rawHead, rawTail := shiftPath(raw); rawHead != ""; {
			if !partsMatch(rawHead, sourceHead) {
				return false
			}
			rawHead, rawTail = shiftPath(rawTail)
			sourceHead, sourceTail = shiftPath(sourceTail)
		}
		return sourceHead == ""
	}

	for sourcePath, fn := range unloggedBodies {
		if compareRawSourceURLs(rawPath, sourcePath) {
			return fn, true
		}
	}

	return nil, false
}

func ignoreMethod(ignoredMethods ...string) isIgnoredMethodFn {
	if len(ignoredMethods) == 0 {
		return func(string) bool { return true }
	}

	ignoreMap := make(map[string]bool)
	for _, method := range ignoredMethods {
		ignoreMap[method] = true
	}

	return func(method string) bool {
		return ignoreMap[method]
	}
}

// unloggedBodies lists the routes whose request bodies are binary or carry
// user data.
var unloggedBodies = map[string]isIgnoredMethodFn{
	prefixPartitions + "/:gpid/prepare": ignoreMethod(),
	prefixPartitions + "/:gpid/write":   ignoreMethod(http.MethodPost),
	prefixPartitions + "/:gpid/kv/:key": ignoreMethod(http.MethodPut),
}

type bodyEchoer struct {
	rc    io.ReadCloser
	teedR io.Reader
}

func (b *bodyEchoer) Read(p []byte) (int, error) {
	return b.teedR.Read(p)
}

func (b *bodyEchoer) Close() error {
	return b.rc.Close()
}
