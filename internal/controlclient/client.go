package controlclient

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/url"
	"strings"

	"connectrpc.com/connect"
	"github.com/buildkite/taskroom/internal/controlapi"
	"github.com/buildkite/taskroom/internal/endpoint"
	"github.com/buildkite/taskroom/internal/tlsconfig"
	"golang.org/x/net/http2"
)

type Client struct {
	httpClient *http.Client
	baseURL    string

	submit *connect.Client[controlapi.SubmitTaskRequest, controlapi.SubmitTaskResponse]
	get    *connect.Client[controlapi.GetTaskRequest, controlapi.GetTaskResponse]
	list   *connect.Client[controlapi.ListTasksRequest, controlapi.ListTasksResponse]
	cancel *connect.Client[controlapi.CancelTaskRequest, controlapi.CancelTaskResponse]
	answer *connect.Client[controlapi.AnswerQuestionRequest, controlapi.AnswerQuestionResponse]
	stream *connect.Client[controlapi.StreamTaskRequest, controlapi.TaskEvent]
}

// Option configures the client.
type Option func(*options)

type options struct {
	tlsOpts tlsconfig.Options
}

// WithTLS configures TLS options for the client.
func WithTLS(opts tlsconfig.Options) Option {
	return func(o *options) {
		o.tlsOpts = opts
	}
}

func New(ep endpoint.Endpoint, opts ...Option) (*Client, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	baseURL := strings.TrimRight(ep.BaseURL, "/")
	transport, err := buildTransport(ep, baseURL, o.tlsOpts)
	if err != nil {
		return nil, err
	}
	return newClient(&http.Client{Transport: transport}, baseURL), nil
}

func newClient(httpClient *http.Client, baseURL string) *Client {
	codec := connect.WithCodec(controlapi.Codec{})
	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		submit:     connect.NewClient[controlapi.SubmitTaskRequest, controlapi.SubmitTaskResponse](httpClient, baseURL+controlapi.SubmitTaskProcedure, codec),
		get:        connect.NewClient[controlapi.GetTaskRequest, controlapi.GetTaskResponse](httpClient, baseURL+controlapi.GetTaskProcedure, codec),
		list:       connect.NewClient[controlapi.ListTasksRequest, controlapi.ListTasksResponse](httpClient, baseURL+controlapi.ListTasksProcedure, codec),
		cancel:     connect.NewClient[controlapi.CancelTaskRequest, controlapi.CancelTaskResponse](httpClient, baseURL+controlapi.CancelTaskProcedure, codec),
		answer:     connect.NewClient[controlapi.AnswerQuestionRequest, controlapi.AnswerQuestionResponse](httpClient, baseURL+controlapi.AnswerQuestionProcedure, codec),
		stream:     connect.NewClient[controlapi.StreamTaskRequest, controlapi.TaskEvent](httpClient, baseURL+controlapi.StreamTaskProcedure, codec),
	}
}

func buildTransport(ep endpoint.Endpoint, baseURL string, tlsOpts tlsconfig.Options) (http.RoundTripper, error) {
	dialer := &net.Dialer{}

	if ep.Scheme == "https" {
		if tlsOpts.CAPath == "" {
			tlsOpts.CAPath = tlsconfig.Options{}.WithEnv().CAPath
		}
		tlsCfg, err := tlsconfig.ResolveClient(tlsOpts)
		if err != nil {
			return nil, err
		}
		if tlsCfg == nil {
			tlsCfg = &tls.Config{MinVersion: tls.VersionTLS13}
		}
		return &http.Transport{
			Proxy:             http.ProxyFromEnvironment,
			TLSClientConfig:   tlsCfg,
			ForceAttemptHTTP2: true,
		}, nil
	}

	if ep.Scheme == "unix" {
		return &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, _, _ string, _ *tls.Config) (net.Conn, error) {
				return dialer.DialContext(ctx, "unix", ep.Address)
			},
		}, nil
	}

	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Host == "" {
		return &http.Transport{}, nil
	}
	host := parsed.Host
	return &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, _, _ string, _ *tls.Config) (net.Conn, error) {
			return dialer.DialContext(ctx, "tcp", host)
		},
	}, nil
}

func (c *Client) SubmitTask(ctx context.Context, req *controlapi.SubmitTaskRequest) (*controlapi.SubmitTaskResponse, error) {
	resp, err := c.submit.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

func (c *Client) GetTask(ctx context.Context, req *controlapi.GetTaskRequest) (*controlapi.GetTaskResponse, error) {
	resp, err := c.get.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

func (c *Client) ListTasks(ctx context.Context, req *controlapi.ListTasksRequest) (*controlapi.ListTasksResponse, error) {
	resp, err := c.list.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

func (c *Client) CancelTask(ctx context.Context, req *controlapi.CancelTaskRequest) (*controlapi.CancelTaskResponse, error) {
	resp, err := c.cancel.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

func (c *Client) AnswerQuestion(ctx context.Context, req *controlapi.AnswerQuestionRequest) (*controlapi.AnswerQuestionResponse, error) {
	resp, err := c.answer.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

func (c *Client) StreamTask(ctx context.Context, req *controlapi.StreamTaskRequest) (*connect.ServerStreamForClient[controlapi.TaskEvent], error) {
	return c.stream.CallServerStream(ctx, connect.NewRequest(req))
}
