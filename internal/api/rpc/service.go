package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/KevinKickass/MiniDiffCore/internal/auth"
	"github.com/KevinKickass/MiniDiffCore/internal/diffractometer"
	"github.com/KevinKickass/MiniDiffCore/internal/events"
	"github.com/KevinKickass/MiniDiffCore/internal/interfaces"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName = "minidiff.v1.Diffractometer"

	getStatusMethod    = "/" + ServiceName + "/GetStatus"
	streamEventsMethod = "/" + ServiceName + "/StreamEvents"

	streamBuffer = 256
)

// Backend is the slice of the lifecycle manager the service reads from.
type Backend interface {
	Diffractometer() *diffractometer.Diffractometer
	Events() *events.Mux
	GetCurrentStatus() interfaces.SystemStatus
}

// DiffractometerServer is the server API for minidiff.v1.Diffractometer.
type DiffractometerServer interface {
	GetStatus(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	StreamEvents(*emptypb.Empty, EventStream) error
}

type EventStream interface {
	Send(*structpb.Struct) error
	grpc.ServerStream
}

type DiffractometerService struct {
	backend Backend
	logger  *zap.Logger
}

func NewDiffractometerService(backend Backend, logger *zap.Logger) *DiffractometerService {
	return &DiffractometerService{
		backend: backend,
		logger:  logger.Named("grpc"),
	}
}

// GetStatus returns the system status with the diffractometer snapshot
// nested under "diffractometer".
func (s *DiffractometerService) GetStatus(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	body := struct {
		interfaces.SystemStatus
		Diffractometer diffractometer.Status `json:"diffractometer"`
	}{
		SystemStatus:   s.backend.GetCurrentStatus(),
		Diffractometer: s.backend.Diffractometer().Status(),
	}

	st, err := toStruct(body)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode status: %v", err)
	}
	return st, nil
}

// StreamEvents sends every bus event until the client goes away.
func (s *DiffractometerService) StreamEvents(_ *emptypb.Empty, stream EventStream) error {
	envelopes, cancel := s.backend.Events().Stream(streamBuffer)
	defer cancel()

	ctx := stream.Context()
	for {
		select {
		case env, ok := <-envelopes:
			if !ok {
				return nil
			}

			msg, err := envelopeStruct(env)
			if err != nil {
				s.logger.Warn("Dropping unencodable event",
					zap.String("kind", env.Event.Kind()),
					zap.Error(err))
				continue
			}
			if err := stream.Send(msg); err != nil {
				return err
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func envelopeStruct(env events.Envelope) (*structpb.Struct, error) {
	return toStruct(map[string]any{
		"id":        env.ID.String(),
		"source":    env.Source,
		"kind":      env.Event.Kind(),
		"timestamp": env.Timestamp,
		"payload":   env.Event,
	})
}

// toStruct goes through JSON so the struct tags used by REST and the
// websocket feed also name the gRPC fields.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	st := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, st); err != nil {
		return nil, fmt.Errorf("decode %s: %w", raw, err)
	}
	return st, nil
}

// NewServer builds a grpc.Server with the diffractometer service and the
// token interceptors registered.
func NewServer(backend Backend, authService *auth.AuthService, logger *zap.Logger) *grpc.Server {
	server := grpc.NewServer(
		grpc.ChainUnaryInterceptor(UnaryAuthInterceptor(authService)),
		grpc.ChainStreamInterceptor(StreamAuthInterceptor(authService)),
	)
	RegisterDiffractometerServer(server, NewDiffractometerService(backend, logger))
	return server
}

func RegisterDiffractometerServer(s grpc.ServiceRegistrar, srv DiffractometerServer) {
	s.RegisterService(&diffractometerServiceDesc, srv)
}

func getStatusHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DiffractometerServer).GetStatus(ctx, in)
	}

	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: getStatusMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(DiffractometerServer).GetStatus(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func streamEventsHandler(srv any, stream grpc.ServerStream) error {
	in := new(emptypb.Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(DiffractometerServer).StreamEvents(in, &eventStream{stream})
}

type eventStream struct {
	grpc.ServerStream
}

func (x *eventStream) Send(m *structpb.Struct) error {
	return x.ServerStream.SendMsg(m)
}

var diffractometerServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*DiffractometerServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetStatus",
			Handler:    getStatusHandler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamEvents",
			Handler:       streamEventsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "minidiff/v1/diffractometer.proto",
}
