// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package soap is a minimal SOAP 1.1 client: it wraps a request
// body in an envelope, posts it, and decodes the response body or
// fault.
package soap

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
)

const envelopeNS = "http://schemas.xmlsoap.org/soap/envelope/"

// A Fault is returned by Call when the server responds with a SOAP
// fault.
type Fault struct {
	Code   string `xml:"faultcode"`
	String string `xml:"faultstring"`
	Detail string `xml:"detail"`
}

func (f *Fault) Error() string {
	return fmt.Sprintf("soap fault %s: %s", f.Code, f.String)
}

type requestEnvelope struct {
	XMLName xml.Name `xml:"soapenv:Envelope"`
	NS      string   `xml:"xmlns:soapenv,attr"`
	Header  *struct {
		Content interface{}
	} `xml:"soapenv:Header,omitempty"`
	Body struct {
		Content interface{}
	} `xml:"soapenv:Body"`
}

type responseEnvelope struct {
	XMLName xml.Name `xml:"Envelope"`
	Body    struct {
		Fault   *Fault `xml:"Fault"`
		Content []byte `xml:",innerxml"`
	} `xml:"Body"`
}

// Client posts SOAP requests to one endpoint.
type Client struct {
	URL string
	// Extra HTTP headers sent with every request.
	Header http.Header

	client *retryablehttp.Client
}

// NewClient returns a client that retries failed requests with
// backoff, up to retries times, and gives up on each attempt after
// timeout.
func NewClient(url string, timeout time.Duration, retries int, httpClient *http.Client, logger logrus.FieldLogger) *Client {
	rc := retryablehttp.NewClient()
	if httpClient != nil {
		rc.HTTPClient = httpClient
	}
	if timeout > 0 {
		rc.HTTPClient.Timeout = timeout
	}
	rc.RetryMax = retries
	rc.RetryWaitMin = 100 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.Logger = leveledLogger{logger}
	// Return the last response (e.g., a 500 carrying a SOAP
	// fault) instead of a generic "giving up" error.
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return &Client{URL: url, client: rc, Header: http.Header{}}
}

// Call sends body (marshaled with encoding/xml, so it needs an
// XMLName field) as the SOAP body,
// with the given SOAPAction, and unmarshals the response body into
// resp. A SOAP fault is returned as a *Fault.
func (c *Client) Call(ctx context.Context, action string, header, body, resp interface{}) error {
	env := requestEnvelope{NS: envelopeNS}
	if header != nil {
		env.Header = &struct{ Content interface{} }{header}
	}
	env.Body.Content = body
	buf := bytes.NewBufferString(xml.Header)
	if err := xml.NewEncoder(buf).Encode(env); err != nil {
		return fmt.Errorf("encode soap request: %w", err)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.URL, buf.Bytes())
	if err != nil {
		return err
	}
	for k, v := range c.Header {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")
	req.Header.Set("SOAPAction", `"`+action+`"`)
	hresp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer hresp.Body.Close()
	data, err := io.ReadAll(hresp.Body)
	if err != nil {
		return err
	}
	var renv responseEnvelope
	if err := xml.Unmarshal(data, &renv); err != nil {
		if hresp.StatusCode != http.StatusOK {
			return fmt.Errorf("soap request failed: %s", hresp.Status)
		}
		return fmt.Errorf("decode soap response: %w", err)
	}
	if renv.Body.Fault != nil {
		return renv.Body.Fault
	}
	if hresp.StatusCode != http.StatusOK {
		return fmt.Errorf("soap request failed: %s", hresp.Status)
	}
	if resp == nil {
		return nil
	}
	if err := xml.Unmarshal(renv.Body.Content, resp); err != nil {
		return fmt.Errorf("decode soap response body: %w", err)
	}
	return nil
}

// leveledLogger adapts a logrus logger to retryablehttp.
type leveledLogger struct {
	logger logrus.FieldLogger
}

func (l leveledLogger) fields(kv []interface{}) logrus.FieldLogger {
	f := logrus.Fields{}
	for i := 0; i+1 < len(kv); i += 2 {
		f[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return l.logger.WithFields(f)
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.fields(kv).Error(msg) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.fields(kv).Info(msg) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.fields(kv).Debug(msg) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.fields(kv).Warn(msg) }
