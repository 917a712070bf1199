package handler

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "reservation.v1.Reservation"

	// CodecName is the content subtype messages are exchanged with.
	CodecName = "json"
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return CodecName }

// ReservationServer is the server API of the reservation service.
type ReservationServer interface {
	Reserve(context.Context, *ReserveRequest) (*CartReservationResponse, error)
	Extend(context.Context, *ExtendRequest) (*CartReservationResponse, error)
	Commit(context.Context, *CommitRequest) (*CartReservationResponse, error)
	Release(context.Context, *ReleaseRequest) (*ReleaseResponse, error)
	ReleaseSession(context.Context, *ReleaseSessionRequest) (*ReleaseResponse, error)
	GetAvailability(context.Context, *AvailabilityRequest) (*InventoryAvailabilityResponse, error)
}

var ReservationServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ReservationServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("Reserve", ReservationServer.Reserve),
		unaryMethod("Extend", ReservationServer.Extend),
		unaryMethod("Commit", ReservationServer.Commit),
		unaryMethod("Release", ReservationServer.Release),
		unaryMethod("ReleaseSession", ReservationServer.ReleaseSession),
		unaryMethod("GetAvailability", ReservationServer.GetAvailability),
	},
	Streams: []grpc.StreamDesc{},
}

func RegisterReservationServer(s grpc.ServiceRegistrar, srv ReservationServer) {
	s.RegisterService(&ReservationServiceDesc, srv)
}

func unaryMethod[Req, Resp any](name string, call func(ReservationServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ReservationServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(ReservationServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ReservationClient calls the reservation service over a gRPC connection.
type ReservationClient struct {
	cc grpc.ClientConnInterface
}

func NewReservationClient(cc grpc.ClientConnInterface) *ReservationClient {
	return &ReservationClient{cc: cc}
}

func (c *ReservationClient) Reserve(ctx context.Context, in *ReserveRequest, opts ...grpc.CallOption) (*CartReservationResponse, error) {
	out := new(CartReservationResponse)
	return out, c.invoke(ctx, "Reserve", in, out, opts)
}

func (c *ReservationClient) Extend(ctx context.Context, in *ExtendRequest, opts ...grpc.CallOption) (*CartReservationResponse, error) {
	out := new(CartReservationResponse)
	return out, c.invoke(ctx, "Extend", in, out, opts)
}

func (c *ReservationClient) Commit(ctx context.Context, in *CommitRequest, opts ...grpc.CallOption) (*CartReservationResponse, error) {
	out := new(CartReservationResponse)
	return out, c.invoke(ctx, "Commit", in, out, opts)
}

func (c *ReservationClient) Release(ctx context.Context, in *ReleaseRequest, opts ...grpc.CallOption) (*ReleaseResponse, error) {
	out := new(ReleaseResponse)
	return out, c.invoke(ctx, "Release", in, out, opts)
}

func (c *ReservationClient) ReleaseSession(ctx context.Context, in *ReleaseSessionRequest, opts ...grpc.CallOption) (*ReleaseResponse, error) {
	out := new(ReleaseResponse)
	return out, c.invoke(ctx, "ReleaseSession", in, out, opts)
}

func (c *ReservationClient) GetAvailability(ctx context.Context, in *AvailabilityRequest, opts ...grpc.CallOption) (*InventoryAvailabilityResponse, error) {
	out := new(InventoryAvailabilityResponse)
	return out, c.invoke(ctx, "GetAvailability", in, out, opts)
}

func (c *ReservationClient) invoke(ctx context.Context, method string, in, out any, opts []grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	return c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...)
}
