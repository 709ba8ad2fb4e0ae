package http_test

import (
	"context"
	stderrors "errors"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/influxdata/replication"
	"github.com/influxdata/replication/http"
	kithttp "github.com/influxdata/replication/kit/transport/http"
)

func TestCheckError(t *testing.T) {
	for _, tt := range []struct {
		name  string
		write func(w *httptest.ResponseRecorder)
		want  error
	}{
		{
			name: "replication error",
			write: func(w *httptest.ResponseRecorder) {
				err := &replication.Error{
					Msg:  "expected",
					Code: replication.EInvalidState,
				}
				kithttp.ErrorHandler(0).HandleHTTPError(context.Background(), err, w)
			},
			want: &replication.Error{
				Msg:  "expected",
				Code: replication.EInvalidState,
			},
		},
		{
			name: "code header wins over status",
			write: func(w *httptest.ResponseRecorder) {
				err := &replication.Error{
					Msg:  "window is full",
					Code: replication.EStaleBallot,
				}
				kithttp.ErrorHandler(0).HandleHTTPError(context.Background(), err, w)
			},
			want: &replication.Error{
				Msg:  "window is full",
				Code: replication.EStaleBallot,
			},
		},
		{
			name: "text error",
			write: func(w *httptest.ResponseRecorder) {
				w.Header().Set("Content-Type", "text/plain")
				w.WriteHeader(500)
				_, _ = io.WriteString(w, "upstream timeout\n")
			},
			want: &replication.Error{
				Code: replication.EInternal,
				Err:  stderrors.New("upstream timeout"),
			},
		},
		{
			name: "error with bad json",
			write: func(w *httptest.ResponseRecorder) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(500)
				_, _ = io.WriteString(w, "upstream timeout\n")
			},
			want: &replication.Error{
				Code: replication.EInternal,
				Msg:  `attempted to unmarshal error as JSON but failed: "invalid character 'u' looking for beginning of value"`,
				Err:  stderrors.New("upstream timeout"),
			},
		},
		{
			name: "error with no content-type",
			write: func(w *httptest.ResponseRecorder) {
				w.WriteHeader(503)
				_, _ = io.WriteString(w, `{"message": "stub is closed"}`)
			},
			want: &replication.Error{
				Code: replication.EClosed,
				Msg:  "stub is closed",
			},
		},
		{
			name: "success",
			write: func(w *httptest.ResponseRecorder) {
				w.WriteHeader(204)
			},
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			tt.write(w)

			resp := w.Result()
			cmpopt := cmp.Transformer("error", func(e error) string {
				if e == nil {
					return ""
				}
				return replication.ErrorCode(e) + ": " + e.Error()
			})
			if got, want := http.CheckError(resp), tt.want; !cmp.Equal(want, got, cmpopt) {
				t.Fatalf("unexpected error -want/+got:\n%s", cmp.Diff(want, got, cmpopt))
			}
		})
	}
}
