// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package collector queries an HTCondor collector's SOAP interface
// for the machine records (startd classads) it knows about.
package collector

import (
	"context"
	"encoding/xml"
	"time"

	"git.cloudscheduler.org/cloudscheduler.git/lib/resourcepool"
	"git.cloudscheduler.org/cloudscheduler.git/lib/soap"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const condorNS = "urn:condor"

type queryStartdAds struct {
	XMLName    xml.Name `xml:"urn:condor queryStartdAds"`
	Constraint string   `xml:"constraint,omitempty"`
}

type attr struct {
	Name  string `xml:"name"`
	Type  string `xml:"type"`
	Value string `xml:"value"`
}

type classAdStruct struct {
	Attrs []attr `xml:"item"`
}

type queryStartdAdsResponse struct {
	XMLName xml.Name `xml:"queryStartdAdsResponse"`
	Result  struct {
		Ads []classAdStruct `xml:"item"`
	} `xml:"result"`
}

// Client fetches machine records from a collector.
type Client struct {
	soap   *soap.Client
	logger logrus.FieldLogger

	mMachines *prometheus.GaugeVec
	mErrors   prometheus.Counter
}

// New returns a client for the collector's SOAP endpoint at url.
func New(url string, timeout time.Duration, logger logrus.FieldLogger) *Client {
	return &Client{
		soap:   soap.NewClient(url, timeout, 2, nil, logger),
		logger: logger.WithField("Collector", url),
		mMachines: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "cloudscheduler",
			Subsystem: "collector",
			Name:      "machines",
			Help:      "Number of machines reported by the collector, by VMType.",
		}, []string{"type"}),
		mErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cloudscheduler",
			Subsystem: "collector",
			Name:      "query_errors_total",
			Help:      "Number of failed collector queries.",
		}),
	}
}

// RegisterMetrics adds the client's metrics to reg.
func (cl *Client) RegisterMetrics(reg *prometheus.Registry) {
	reg.MustRegister(cl.mMachines, cl.mErrors)
}

// Machines returns one record per startd known to the collector.
// Attributes without a name or value are dropped.
func (cl *Client) Machines(ctx context.Context) ([]resourcepool.Classad, error) {
	var resp queryStartdAdsResponse
	err := cl.soap.Call(ctx, condorNS+"#queryStartdAds", nil, queryStartdAds{}, &resp)
	if err != nil {
		cl.mErrors.Inc()
		cl.logger.WithError(err).Warn("collector query failed")
		return nil, err
	}
	machines := make([]resourcepool.Classad, 0, len(resp.Result.Ads))
	for _, ad := range resp.Result.Ads {
		rec := resourcepool.Classad{}
		for _, a := range ad.Attrs {
			if a.Name != "" && a.Value != "" {
				rec[a.Name] = a.Value
			}
		}
		machines = append(machines, rec)
	}
	cl.mMachines.Reset()
	for t, n := range resourcepool.MachineVMTypeCounts(machines) {
		cl.mMachines.WithLabelValues(t).Set(float64(n))
	}
	cl.logger.WithField("Machines", len(machines)).Debug("collector query succeeded")
	return machines, nil
}
