package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Gateway RPC names. The gateway exposes a single server-streaming method
// that takes a Struct prompt and streams StringValue fragments.
const (
	GatewayService = "jingjin.v1.TokenStream"
	GatewayMethod  = "Open"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
)

var gatewayStreamDesc = &grpc.StreamDesc{
	StreamName:    GatewayMethod,
	ServerStreams: true,
}

// GatewayConfig holds configuration for the token gateway client.
type GatewayConfig struct {
	Address          string
	Model            string
	Temperature      float64
	MaxTokens        int
	ConnectTimeout   time.Duration
	RequestTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultGatewayConfig returns default configuration for addr.
func DefaultGatewayConfig(addr string) GatewayConfig {
	return GatewayConfig{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		RequestTimeout:   120 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// GatewaySource streams completions from a gRPC token gateway.
type GatewaySource struct {
	conn   *grpc.ClientConn
	cfg    GatewayConfig
	logger *slog.Logger
}

// NewGateway connects to the gateway and waits until the channel is ready.
func NewGateway(cfg GatewayConfig, logger *slog.Logger, opts ...grpc.DialOption) (*GatewaySource, error) {
	if logger == nil {
		logger = slog.Default()
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, opts...)

	// Build client connection (no network I/O yet).
	conn, err := grpc.NewClient(cfg.Address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to token gateway at %s: %w", cfg.Address, err)
	}

	// Force a connection attempt during startup so we fail fast on bad endpoints.
	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("token gateway at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to token gateway", "address", cfg.Address)

	return &GatewaySource{conn: conn, cfg: cfg, logger: logger}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Close closes the gRPC connection.
func (g *GatewaySource) Close() error {
	if g.conn == nil {
		return nil
	}
	if err := g.conn.Close(); err != nil {
		return fmt.Errorf("close gateway connection: %w", err)
	}
	return nil
}

// Stream opens a server stream and yields each non-empty fragment.
func (g *GatewaySource) Stream(ctx context.Context, p Prompt) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		// Canceling on return releases the stream when the consumer stops early.
		var cancel context.CancelFunc
		if g.cfg.RequestTimeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, g.cfg.RequestTimeout)
		} else {
			ctx, cancel = context.WithCancel(ctx)
		}
		defer cancel()

		req, err := g.request(p)
		if err != nil {
			yield("", err)
			return
		}

		method := "/" + GatewayService + "/" + GatewayMethod
		stream, err := g.conn.NewStream(ctx, gatewayStreamDesc, method)
		if err != nil {
			yield("", fmt.Errorf("open gateway stream: %w", err))
			return
		}
		if err := stream.SendMsg(req); err != nil {
			yield("", fmt.Errorf("send gateway prompt: %w", err))
			return
		}
		if err := stream.CloseSend(); err != nil {
			yield("", fmt.Errorf("close gateway send: %w", err))
			return
		}

		for {
			var frag wrapperspb.StringValue
			err := stream.RecvMsg(&frag)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield("", fmt.Errorf("gateway stream error: %w", err))
				return
			}
			if frag.GetValue() == "" {
				continue
			}
			if !yield(frag.GetValue(), nil) {
				return
			}
		}
	}
}

func (g *GatewaySource) request(p Prompt) (*structpb.Struct, error) {
	messages := make([]any, 0, len(p.Messages))
	for _, m := range p.Messages {
		messages = append(messages, map[string]any{
			"role":    string(m.Role),
			"content": m.Content,
		})
	}
	req, err := structpb.NewStruct(map[string]any{
		"model":       g.cfg.Model,
		"temperature": g.cfg.Temperature,
		"max_tokens":  g.cfg.MaxTokens,
		"system":      p.System,
		"messages":    messages,
	})
	if err != nil {
		return nil, fmt.Errorf("encode gateway prompt: %w", err)
	}
	return req, nil
}
