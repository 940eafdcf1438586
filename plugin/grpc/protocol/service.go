package protocol

import (
	"context"

	"google.golang.org/grpc"
)

// Service names
const (
	WorkerServiceName   = "relay.worker.v1.Worker"
	CallbackServiceName = "relay.worker.v1.Callback"
)

// Full method names
const (
	WorkerSubmitMethod   = "/" + WorkerServiceName + "/Submit"
	WorkerCancelMethod   = "/" + WorkerServiceName + "/Cancel"
	WorkerShutdownMethod = "/" + WorkerServiceName + "/Shutdown"

	CallbackRegisterAddressMethod      = "/" + CallbackServiceName + "/RegisterAddress"
	CallbackDeliverResultMethod        = "/" + CallbackServiceName + "/DeliverResult"
	CallbackDeliverPartialOutputMethod = "/" + CallbackServiceName + "/DeliverPartialOutput"
)

// WorkerServer is implemented by worker processes
type WorkerServer interface {
	Submit(ctx context.Context, req *SubmitRequest) (*SubmitResponse, error)
	Cancel(ctx context.Context, req *CancelRequest) (*CancelResponse, error)
	Shutdown(ctx context.Context, req *ShutdownRequest) (*Empty, error)
}

// CallbackServer is implemented by relay and called by workers
type CallbackServer interface {
	RegisterAddress(ctx context.Context, req *Registration) (*RegistrationResponse, error)
	DeliverResult(ctx context.Context, req *ResultDelivery) (*Empty, error)
	DeliverPartialOutput(ctx context.Context, req *PartialOutput) (*Empty, error)
}

type methodHandler = func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error)

// unary adapts a typed method to a grpc method handler
func unary[S any, Req any, Resp any](fullMethod string, call func(S, context.Context, *Req) (*Resp, error)) methodHandler {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(S), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(S), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var workerServiceDesc = grpc.ServiceDesc{
	ServiceName: WorkerServiceName,
	HandlerType: (*WorkerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Submit", Handler: unary(WorkerSubmitMethod, WorkerServer.Submit)},
		{MethodName: "Cancel", Handler: unary(WorkerCancelMethod, WorkerServer.Cancel)},
		{MethodName: "Shutdown", Handler: unary(WorkerShutdownMethod, WorkerServer.Shutdown)},
	},
	Metadata: "relay/worker/v1",
}

var callbackServiceDesc = grpc.ServiceDesc{
	ServiceName: CallbackServiceName,
	HandlerType: (*CallbackServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RegisterAddress", Handler: unary(CallbackRegisterAddressMethod, CallbackServer.RegisterAddress)},
		{MethodName: "DeliverResult", Handler: unary(CallbackDeliverResultMethod, CallbackServer.DeliverResult)},
		{MethodName: "DeliverPartialOutput", Handler: unary(CallbackDeliverPartialOutputMethod, CallbackServer.DeliverPartialOutput)},
	},
	Metadata: "relay/worker/v1",
}

// RegisterWorkerServer registers a worker implementation on s
func RegisterWorkerServer(s grpc.ServiceRegistrar, impl WorkerServer) {
	s.RegisterService(&workerServiceDesc, impl)
}

// RegisterCallbackServer registers relay's callback implementation on s
func RegisterCallbackServer(s grpc.ServiceRegistrar, impl CallbackServer) {
	s.RegisterService(&callbackServiceDesc, impl)
}
