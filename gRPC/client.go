package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	iface "DendroDetServer/interface"
)

type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) Process(ctx context.Context, image []byte, opts ...grpc.CallOption) (iface.AnalysisResult, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, processMethod, wrapperspb.Bytes(image), out, opts...); err != nil {
		return iface.AnalysisResult{}, err
	}
	var res iface.AnalysisResult
	if err := fromStruct(out, &res); err != nil {
		return iface.AnalysisResult{}, err
	}
	return res, nil
}

func (c *Client) Health(ctx context.Context, opts ...grpc.CallOption) (map[string]any, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, healthMethod, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

func fromStruct(s *structpb.Struct, v any) error {
	b, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal struct: %w", err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	return nil
}
