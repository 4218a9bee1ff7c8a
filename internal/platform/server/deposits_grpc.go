package server

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	platformauth "github.com/somasave/sacco-deposits/internal/platform/auth"
	"github.com/somasave/sacco-deposits/internal/platform/reconcile"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const DepositServiceName = "sacco.deposits.v1.DepositService"

const (
	MethodCreatePendingDeposit = "/" + DepositServiceName + "/CreatePendingDeposit"
	MethodGetDepositStatus     = "/" + DepositServiceName + "/GetDepositStatus"
)

type ResultCode string

const (
	ResultOK      ResultCode = "OK"
	ResultInvalid ResultCode = "INVALID"
	ResultDenied  ResultCode = "DENIED"
	ResultError   ResultCode = "ERROR"
)

// DepositServiceServer is the internal API used by other SACCO services.
// Messages are google.protobuf.Struct so no generated stubs are needed.
type DepositServiceServer interface {
	CreatePendingDeposit(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetDepositStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

func RegisterDepositServiceServer(s grpc.ServiceRegistrar, srv DepositServiceServer) {
	s.RegisterService(&DepositServiceDesc, srv)
}

var DepositServiceDesc = grpc.ServiceDesc{
	ServiceName: DepositServiceName,
	HandlerType: (*DepositServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CreatePendingDeposit", Handler: createPendingDepositHandler},
		{MethodName: "GetDepositStatus", Handler: getDepositStatusHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "sacco/deposits/v1/deposits.proto",
}

func createPendingDepositHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DepositServiceServer).CreatePendingDeposit(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodCreatePendingDeposit}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(DepositServiceServer).CreatePendingDeposit(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func getDepositStatusHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DepositServiceServer).GetDepositStatus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodGetDepositStatus}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(DepositServiceServer).GetDepositStatus(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

type DepositServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewDepositServiceClient(cc grpc.ClientConnInterface) *DepositServiceClient {
	return &DepositServiceClient{cc: cc}
}

func (c *DepositServiceClient) CreatePendingDeposit(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, MethodCreatePendingDeposit, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *DepositServiceClient) GetDepositStatus(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, MethodGetDepositStatus, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

type DepositService struct {
	Engine DepositEngine
}

func (s DepositService) CreatePendingDeposit(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	owner, reason := resolveOwner(ctx, stringField(req, "owner"))
	if reason != "" {
		return denied(reason), nil
	}
	amount, err := decimalField(req, "amount")
	if err != nil {
		return result(ResultInvalid, "amount must be a decimal number", nil), nil
	}
	out := s.Engine.Initiate(ctx, reconcile.InitiateRequest{
		Owner:       owner,
		Amount:      amount,
		Currency:    stringField(req, "currency"),
		Phone:       stringField(req, "phone_number"),
		Description: stringField(req, "description"),
	})
	return outcomeStruct(out), nil
}

func (s DepositService) GetDepositStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	owner, reason := resolveOwner(ctx, stringField(req, "owner"))
	if reason != "" {
		return denied(reason), nil
	}
	txRef := stringField(req, "tx_ref")
	if txRef == "" {
		return result(ResultInvalid, "tx_ref is required", nil), nil
	}
	return outcomeStruct(s.Engine.Status(ctx, owner, txRef)), nil
}

// resolveOwner binds the request owner to the token. Members may only act
// for themselves; services must name the owner.
func resolveOwner(ctx context.Context, requested string) (string, string) {
	actor, ok := platformauth.ActorFromContext(ctx)
	if !ok || actor.ID == "" {
		return "", "actor is required"
	}
	switch {
	case actor.IsMember():
		if requested != "" && requested != actor.ID {
			return "", "actor mismatch with token"
		}
		return actor.ID, ""
	case actor.IsService():
		if requested == "" {
			return "", "owner is required for service actors"
		}
		return requested, ""
	default:
		return "", "unsupported actor type"
	}
}

func resultCodeFor(code reconcile.Code) ResultCode {
	switch code {
	case reconcile.CodeProcessed, reconcile.CodeAlreadyProcessed, reconcile.CodePending:
		return ResultOK
	case reconcile.CodeInvalid, reconcile.CodeNotFound, reconcile.CodeAmountMismatch:
		return ResultInvalid
	case reconcile.CodeRejected:
		return ResultDenied
	default:
		return ResultError
	}
}

func outcomeStruct(out reconcile.Outcome) *structpb.Struct {
	fields := map[string]*structpb.Value{
		"outcome": structpb.NewStringValue(string(out.Code)),
	}
	if out.Found() {
		d := out.Deposit
		fields["tx_ref"] = structpb.NewStringValue(d.TxRef)
		fields["status"] = structpb.NewStringValue(string(d.Status))
		fields["amount"] = structpb.NewStringValue(d.Amount.StringFixed(2))
		fields["currency"] = structpb.NewStringValue(string(d.Currency))
		if d.ProviderReference != "" {
			fields["provider_reference"] = structpb.NewStringValue(d.ProviderReference)
		}
		if d.FailureReason != "" {
			fields["failure_reason"] = structpb.NewStringValue(d.FailureReason)
		}
		if d.CompletedAt != nil {
			fields["completed_at"] = structpb.NewStringValue(d.CompletedAt.UTC().Format(time.RFC3339))
		}
	}
	if out.Balance != nil {
		fields["balance"] = structpb.NewStringValue(out.Balance.Balance.StringFixed(2))
	}
	return result(resultCodeFor(out.Code), out.Detail, fields)
}

func denied(reason string) *structpb.Struct {
	return result(ResultDenied, reason, nil)
}

func result(code ResultCode, detail string, fields map[string]*structpb.Value) *structpb.Struct {
	if fields == nil {
		fields = map[string]*structpb.Value{}
	}
	fields["result_code"] = structpb.NewStringValue(string(code))
	if detail != "" {
		fields["detail"] = structpb.NewStringValue(detail)
	}
	return &structpb.Struct{Fields: fields}
}

func stringField(s *structpb.Struct, key string) string {
	if s == nil {
		return ""
	}
	v, ok := s.GetFields()[key]
	if !ok {
		return ""
	}
	return v.GetStringValue()
}

// decimalField accepts either a string ("50000.00") or a number value.
func decimalField(s *structpb.Struct, key string) (decimal.Decimal, error) {
	v := s.GetFields()[key]
	if _, ok := v.GetKind().(*structpb.Value_NumberValue); ok {
		return decimal.NewFromFloat(v.GetNumberValue()), nil
	}
	return decimal.NewFromString(v.GetStringValue())
}
