package http

import (
	"bytes"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/golang/snappy"
	"github.com/influxdata/replication"
	"github.com/influxdata/replication/replica"
	"go.uber.org/zap"
)

// DefaultPrepareTimeout bounds a single prepare round trip.
const DefaultPrepareTimeout = 10 * time.Second

const snappyEncoding = "snappy"

var _ replica.Transport = (*Transport)(nil)

// Transport delivers prepares to the replica handler of other nodes. Node
// names are the host:port of their HTTP bind address.
type Transport struct {
	client *http.Client
	scheme string
	logger *zap.Logger
}

// NewTransport returns a transport using plain HTTP.
func NewTransport() *Transport {
	return &Transport{
		client: NewClient("http", false),
		scheme: "http",
		logger: zap.NewNop(),
	}
}

// WithLogger sets the logger on the transport.
func (t *Transport) WithLogger(log *zap.Logger) {
	t.logger = log.With(zap.String("service", "prepare-transport"))
}

// WithClient replaces the http client, e.g. to configure TLS.
func (t *Transport) WithClient(client *http.Client, scheme string) {
	t.client = client
	t.scheme = scheme
}

// Prepare posts m to node and reports the answer of its replica to done.
func (t *Transport) Prepare(node string, m *replication.Mutation, done func(error)) {
	b, err := m.MarshalBinary()
	gpid, name := m.GPID, m.Name()
	go func() {
		if err != nil {
			done(err)
			return
		}
		if err := t.prepare(node, gpid, b); err != nil {
			t.logger.Debug("Prepare failed", zap.String("node", node), zap.String("mutation", name), zap.Error(err))
			done(err)
			return
		}
		done(nil)
	}()
}

func (t *Transport) prepare(node string, gpid replication.GPID, b []byte) error {
	u := url.URL{
		Scheme: t.scheme,
		Host:   node,
		Path:   path.Join(prefixPartitions, gpid.String(), "prepare"),
	}
	req, err := http.NewRequest(http.MethodPost, u.String(), bytes.NewReader(snappy.Encode(nil, b)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Content-Encoding", snappyEncoding)

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return CheckError(resp)
}
