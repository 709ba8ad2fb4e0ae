// Package promtest provides helpers for parsing and extracting prometheus
// metrics in tests.
package promtest

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// FromHTTPResponse parses the metric families served by a /metrics endpoint.
// It always closes the response body.
func FromHTTPResponse(r *http.Response) ([]*dto.MetricFamily, error) {
	defer r.Body.Close()

	dec := expfmt.NewDecoder(r.Body, expfmt.ResponseFormat(r.Header))
	var mfs []*dto.MetricFamily
	for {
		mf := new(dto.MetricFamily)
		if err := dec.Decode(mf); err != nil {
			if errors.Is(err, io.EOF) {
				return mfs, nil
			}
			return nil, err
		}
		mfs = append(mfs, mf)
	}
}

// Gather registers collectors with a new registry and gathers them.
func Gather(tb testing.TB, collectors ...prometheus.Collector) []*dto.MetricFamily {
	tb.Helper()

	reg := prometheus.NewRegistry()
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			tb.Fatalf("error registering collector: %v", err)
		}
	}
	mfs, err := reg.Gather()
	if err != nil {
		tb.Fatalf("error while gathering metrics: %v", err)
	}
	return mfs
}

// FindMetric returns the metric of family name whose labels equal labels, or
// nil.
func FindMetric(mfs []*dto.MetricFamily, name string, labels map[string]string) *dto.Metric {
	_, m := findMetric(mfs, name, labels)
	return m
}

// MustFindMetric is like FindMetric but fails tb, listing what is available,
// if there is no match.
func MustFindMetric(tb testing.TB, mfs []*dto.MetricFamily, name string, labels map[string]string) *dto.Metric {
	tb.Helper()

	fam, m := findMetric(mfs, name, labels)
	switch {
	case fam == nil:
		names := make([]string, 0, len(mfs))
		for _, mf := range mfs {
			names = append(names, mf.GetName())
		}
		tb.Fatalf("metric family %q not found, have: %s", name, strings.Join(names, ", "))
	case m == nil:
		var b strings.Builder
		for _, m := range fam.Metric {
			pairs := make([]string, len(m.Label))
			for i, l := range m.Label {
				pairs[i] = fmt.Sprintf("%q: %q", l.GetName(), l.GetValue())
			}
			fmt.Fprintf(&b, "\n\t{%s}", strings.Join(pairs, ", "))
		}
		tb.Fatalf("metric family %q has no metric with labels %v, have:%s", name, labels, b.String())
	}
	return m
}

func findMetric(mfs []*dto.MetricFamily, name string, labels map[string]string) (*dto.MetricFamily, *dto.Metric) {
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			if labelsMatch(m.Label, labels) {
				return mf, m
			}
		}
		return mf, nil
	}
	return nil, nil
}

func labelsMatch(pairs []*dto.LabelPair, labels map[string]string) bool {
	if len(pairs) != len(labels) {
		return false
	}
	for _, l := range pairs {
		if v, ok := labels[l.GetName()]; !ok || v != l.GetValue() {
			return false
		}
	}
	return true
}
