package http

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/influxdata/replication"
	kithttp "github.com/influxdata/replication/kit/transport/http"
)

// CheckError reads the http.Response and returns an error if one exists.
// It will automatically recognize the errors returned by replication
// handlers and decode the error into a *replication.Error. If the error
// cannot be determined in that way, it will create a generic error message.
//
// If there is no error, then this returns nil.
func CheckError(resp *http.Response) error {
	switch resp.StatusCode / 100 {
	case 4, 5:
	case 2:
		return nil
	default:
		return &replication.Error{
			Code: replication.EInternal,
			Msg:  fmt.Sprintf("unexpected status code: %d %s", resp.StatusCode, resp.Status),
		}
	}

	rerr := &replication.Error{
		Code: kithttp.StatusCodeToErrorCode(resp.StatusCode),
	}
	if code := resp.Header.Get(kithttp.ErrorCodeHeader); code != "" {
		rerr.Code = code
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, resp.Body); err != nil {
		rerr.Msg = "failed to read error response"
		rerr.Err = err
		return rerr
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		// Assume JSON if there is no content-type.
		contentType = "application/json"
	}
	mediatype, _, _ := mime.ParseMediaType(contentType)

	switch mediatype {
	case "application/json":
		var body struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(buf.Bytes(), &body); err != nil {
			rerr.Msg = fmt.Sprintf("attempted to unmarshal error as JSON but failed: %q", err)
			rerr.Err = firstLineAsError(buf)
			return rerr
		}
		if body.Code != "" {
			rerr.Code = body.Code
		}
		rerr.Msg = body.Message
	default:
		rerr.Err = firstLineAsError(buf)
	}
	return rerr
}

func firstLineAsError(buf bytes.Buffer) error {
	line, _ := buf.ReadString('\n')
	return errors.New(strings.TrimSuffix(line, "\n"))
}
