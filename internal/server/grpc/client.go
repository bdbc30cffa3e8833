package grpcserver

import (
	"context"

	"google.golang.org/grpc"

	"github.com/and161185/hostel-outpass/internal/api"
	"github.com/and161185/hostel-outpass/internal/codec"
)

// Client calls outpass.v1.Outpass over an existing connection using the
// CBOR codec.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps cc.
func NewClient(cc grpc.ClientConnInterface) *Client { return &Client{cc: cc} }

// Invoke calls method with in and decodes into out.
func (c *Client) Invoke(ctx context.Context, method string, in, out any, opts ...grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(codec.Name)}, opts...)
	return c.cc.Invoke(ctx, api.FullMethod(method), in, out, opts...)
}

func (c *Client) Submit(ctx context.Context, in *api.SubmitRequest) (*api.PassResponse, error) {
	out := new(api.PassResponse)
	return out, c.Invoke(ctx, api.MethodSubmit, in, out)
}

func (c *Client) Approve(ctx context.Context, in *api.PassIDRequest) (*api.PassResponse, error) {
	out := new(api.PassResponse)
	return out, c.Invoke(ctx, api.MethodApprove, in, out)
}

func (c *Client) Reject(ctx context.Context, in *api.PassIDRequest) (*api.PassResponse, error) {
	out := new(api.PassResponse)
	return out, c.Invoke(ctx, api.MethodReject, in, out)
}

func (c *Client) ScanOut(ctx context.Context, in *api.ScanRequest) (*api.PassResponse, error) {
	out := new(api.PassResponse)
	return out, c.Invoke(ctx, api.MethodScanOut, in, out)
}

func (c *Client) ScanIn(ctx context.Context, in *api.ScanRequest) (*api.PassResponse, error) {
	out := new(api.PassResponse)
	return out, c.Invoke(ctx, api.MethodScanIn, in, out)
}

func (c *Client) Regenerate(ctx context.Context, in *api.PassIDRequest) (*api.PassResponse, error) {
	out := new(api.PassResponse)
	return out, c.Invoke(ctx, api.MethodRegenerate, in, out)
}

func (c *Client) GetPass(ctx context.Context, in *api.PassIDRequest) (*api.PassResponse, error) {
	out := new(api.PassResponse)
	return out, c.Invoke(ctx, api.MethodGetPass, in, out)
}

func (c *Client) GetEvents(ctx context.Context, in *api.PassIDRequest) (*api.EventsResponse, error) {
	out := new(api.EventsResponse)
	return out, c.Invoke(ctx, api.MethodGetEvents, in, out)
}

func (c *Client) Verify(ctx context.Context, in *api.ScanRequest) (*api.VerifyResponse, error) {
	out := new(api.VerifyResponse)
	return out, c.Invoke(ctx, api.MethodVerify, in, out)
}

func (c *Client) CanSubmit(ctx context.Context) (*api.CanSubmitResponse, error) {
	out := new(api.CanSubmitResponse)
	return out, c.Invoke(ctx, api.MethodCanSubmit, &api.Empty{}, out)
}

func (c *Client) ListCurrent(ctx context.Context) (*api.PassListResponse, error) {
	out := new(api.PassListResponse)
	return out, c.Invoke(ctx, api.MethodListCurrent, &api.Empty{}, out)
}

func (c *Client) ListHistory(ctx context.Context) (*api.PassListResponse, error) {
	out := new(api.PassListResponse)
	return out, c.Invoke(ctx, api.MethodListHistory, &api.Empty{}, out)
}

func (c *Client) ListPending(ctx context.Context) (*api.PassListResponse, error) {
	out := new(api.PassListResponse)
	return out, c.Invoke(ctx, api.MethodListPending, &api.Empty{}, out)
}

func (c *Client) ListActive(ctx context.Context) (*api.ActiveListResponse, error) {
	out := new(api.ActiveListResponse)
	return out, c.Invoke(ctx, api.MethodListActive, &api.Empty{}, out)
}

func (c *Client) Stats(ctx context.Context, in *api.StatsRequest) (*api.StatsResponse, error) {
	out := new(api.StatsResponse)
	return out, c.Invoke(ctx, api.MethodStats, in, out)
}
