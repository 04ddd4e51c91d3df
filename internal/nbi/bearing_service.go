package nbi

import (
	"context"
	"fmt"
	"math"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/target-bearing/internal/bearing"
	"github.com/signalsfoundry/target-bearing/internal/logging"
	"github.com/signalsfoundry/target-bearing/model"
)

// BearingServiceName is the fully qualified gRPC service name.
const BearingServiceName = "bearing.v1.BearingService"

const (
	watchMethod     = "/" + BearingServiceName + "/Watch"
	statusMethod    = "/" + BearingServiceName + "/GetStatus"
	setTargetMethod = "/" + BearingServiceName + "/SetTarget"
)

// Controller is the part of bearing.Controller exposed over the network.
type Controller interface {
	Subscribe() (<-chan model.BearingResult, func())
	Status() bearing.Status
	Result() (model.BearingResult, bool)
	Target() (model.TargetSpec, bool)
	SetTarget(coord model.Coordinate, display model.DisplayOptions) error
	SetTargetText(text string) error
}

// BearingServer is the server API for bearing.v1.BearingService. Messages are
// google.protobuf.Struct values.
type BearingServer interface {
	Watch(*structpb.Struct, BearingService_WatchServer) error
	GetStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetTarget(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// BearingService_WatchServer is the server side of a Watch stream.
type BearingService_WatchServer interface {
	Send(*structpb.Struct) error
	grpc.ServerStream
}

type watchServer struct{ grpc.ServerStream }

func (s *watchServer) Send(m *structpb.Struct) error { return s.ServerStream.SendMsg(m) }

// BearingServiceDesc describes bearing.v1.BearingService for registration.
var BearingServiceDesc = grpc.ServiceDesc{
	ServiceName: BearingServiceName,
	HandlerType: (*BearingServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetStatus", Handler: getStatusHandler},
		{MethodName: "SetTarget", Handler: setTargetHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Watch", Handler: watchHandler, ServerStreams: true},
	},
	Metadata: "bearing/v1/bearing.proto",
}

// RegisterBearingServer registers srv on s.
func RegisterBearingServer(s grpc.ServiceRegistrar, srv BearingServer) {
	s.RegisterService(&BearingServiceDesc, srv)
}

func watchHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(BearingServer).Watch(in, &watchServer{stream})
}

func getStatusHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BearingServer).GetStatus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: statusMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(BearingServer).GetStatus(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func setTargetHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BearingServer).SetTarget(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: setTargetMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(BearingServer).SetTarget(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// BearingService streams readings from a Controller.
type BearingService struct {
	ctrl Controller
	log  logging.Logger
}

// NewBearingService constructs the service around ctrl.
func NewBearingService(ctrl Controller, log logging.Logger) *BearingService {
	if log == nil {
		log = logging.Noop()
	}
	return &BearingService{ctrl: ctrl, log: log}
}

// Watch sends the current reading, if any, and then every new one until the
// client goes away. The optional request field "max_readings" ends the
// stream after that many messages.
func (s *BearingService) Watch(req *structpb.Struct, stream BearingService_WatchServer) error {
	ctx := stream.Context()
	log := loggerFrom(ctx, s.log)

	limit, err := optionalCount(req, "max_readings")
	if err != nil {
		return ToStatusError(err)
	}

	readings, cancel := s.ctrl.Subscribe()
	defer cancel()

	log.Debug(ctx, "watch opened", logging.Int("max_readings", limit))
	sent := 0
	for {
		select {
		case <-ctx.Done():
			log.Debug(ctx, "watch closed by client", logging.Int("sent", sent))
			return nil
		case res, ok := <-readings:
			if !ok {
				return nil
			}
			msg, err := ResultToStruct(res)
			if err != nil {
				return ToStatusError(err)
			}
			if err := stream.Send(msg); err != nil {
				return err
			}
			sent++
			if limit > 0 && sent >= limit {
				return nil
			}
		}
	}
}

// GetStatus returns the session status and the latest reading.
func (s *BearingService) GetStatus(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	st := s.ctrl.Status()
	fields := map[string]interface{}{
		"state":      st.State.String(),
		"session_id": st.SessionID,
		"tracking":   st.Tracking,
		"last_error": st.LastError,
	}
	if spec, ok := s.ctrl.Target(); ok {
		fields["target"] = targetFields(spec)
	}
	if res, ok := s.ctrl.Result(); ok {
		fields["reading"] = resultFields(res)
	}
	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, ToStatusError(err)
	}
	return out, nil
}

// SetTarget accepts {"target": "lat, lon"} and/or {"arc_span": n,
// "show_distance": b, "visible_within_km": x}. Omitted fields keep their
// current values; display options alone need a target set earlier. It
// returns the stored target.
func (s *BearingService) SetTarget(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	log := loggerFrom(ctx, s.log)

	f := req.GetFields()
	spec, hasTarget := s.ctrl.Target()
	if _, ok := f["target"]; !ok && !hasTarget {
		return nil, ToStatusError(fmt.Errorf("display options without a target: %w", bearing.ErrNoTarget))
	}
	if spec.Display == (model.DisplayOptions{}) {
		spec.Display = model.DefaultDisplayOptions()
	}

	if v, ok := f["target"]; ok {
		text, isString := v.GetKind().(*structpb.Value_StringValue)
		if !isString {
			return nil, ToStatusError(fmt.Errorf("%w: target must be a \"lat, lon\" string", ErrInvalidRequest))
		}
		c, err := model.ParseCoordinate(text.StringValue)
		if err != nil {
			log.Info(ctx, "rejected target", logging.String("input", text.StringValue))
			return nil, ToStatusError(err)
		}
		spec.Coordinate = c
	}
	if n, err := optionalCount(req, "arc_span"); err != nil {
		return nil, ToStatusError(err)
	} else if _, ok := f["arc_span"]; ok {
		spec.Display.ArcSpan = n
	}
	if v, ok := f["show_distance"]; ok {
		b, isBool := v.GetKind().(*structpb.Value_BoolValue)
		if !isBool {
			return nil, ToStatusError(fmt.Errorf("%w: show_distance must be a bool", ErrInvalidRequest))
		}
		spec.Display.ShowDistance = b.BoolValue
	}
	if v, ok := f["visible_within_km"]; ok {
		n, isNumber := v.GetKind().(*structpb.Value_NumberValue)
		if !isNumber {
			return nil, ToStatusError(fmt.Errorf("%w: visible_within_km must be a number", ErrInvalidRequest))
		}
		spec.Display.VisibleWithinKm = n.NumberValue
	}

	if err := s.ctrl.SetTarget(spec.Coordinate, spec.Display); err != nil {
		return nil, ToStatusError(err)
	}
	out, err := structpb.NewStruct(targetFields(spec))
	if err != nil {
		return nil, ToStatusError(err)
	}
	return out, nil
}

// ResultToStruct encodes a reading for the wire.
func ResultToStruct(res model.BearingResult) (*structpb.Struct, error) {
	return structpb.NewStruct(resultFields(res))
}

func resultFields(res model.BearingResult) map[string]interface{} {
	fields := map[string]interface{}{
		"bearing_degrees":      res.BearingDegrees,
		"rotation_degrees":     res.RotationDegrees,
		"heading_degrees":      res.HeadingDegrees,
		"heading_known":        res.HeadingKnown,
		"within_visible_range": res.WithinVisibleRange,
		"position": map[string]interface{}{
			"lat": res.Position.Lat,
			"lon": res.Position.Lon,
		},
		"target": map[string]interface{}{
			"lat": res.Target.Lat,
			"lon": res.Target.Lon,
		},
		"computed_at": res.ComputedAt.UTC().Format(time.RFC3339Nano),
	}
	if res.ShowDistance {
		fields["distance_meters"] = res.DistanceMeters
	}
	return fields
}

func targetFields(spec model.TargetSpec) map[string]interface{} {
	return map[string]interface{}{
		"lat":               spec.Coordinate.Lat,
		"lon":               spec.Coordinate.Lon,
		"arc_span":          float64(spec.Display.ArcSpan),
		"show_distance":     spec.Display.ShowDistance,
		"visible_within_km": spec.Display.VisibleWithinKm,
	}
}

// optionalCount reads a non-negative integral number field; absent is 0.
func optionalCount(req *structpb.Struct, key string) (int, error) {
	v, ok := req.GetFields()[key]
	if !ok {
		return 0, nil
	}
	n, isNumber := v.GetKind().(*structpb.Value_NumberValue)
	if !isNumber || n.NumberValue < 0 || n.NumberValue != math.Trunc(n.NumberValue) || n.NumberValue > math.MaxInt32 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", ErrInvalidRequest, key)
	}
	return int(n.NumberValue), nil
}

// BearingClient is the client API for bearing.v1.BearingService.
type BearingClient struct {
	cc grpc.ClientConnInterface
}

// NewBearingClient wraps a connection.
func NewBearingClient(cc grpc.ClientConnInterface) *BearingClient {
	return &BearingClient{cc: cc}
}

// BearingService_WatchClient receives readings from a Watch stream.
type BearingService_WatchClient interface {
	Recv() (*structpb.Struct, error)
	grpc.ClientStream
}

type watchClient struct{ grpc.ClientStream }

func (c *watchClient) Recv() (*structpb.Struct, error) {
	m := new(structpb.Struct)
	if err := c.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Watch opens a reading stream.
func (c *BearingClient) Watch(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (BearingService_WatchClient, error) {
	stream, err := c.cc.NewStream(ctx, &BearingServiceDesc.Streams[0], watchMethod, opts...)
	if err != nil {
		return nil, err
	}
	x := &watchClient{stream}
	if in == nil {
		in = &structpb.Struct{}
	}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

// GetStatus fetches the session status.
func (c *BearingClient) GetStatus(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	if in == nil {
		in = &structpb.Struct{}
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, statusMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// SetTarget updates the target.
func (c *BearingClient) SetTarget(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, setTargetMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
