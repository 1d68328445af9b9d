package grpc

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/teranos/transmute/capability"
	"github.com/teranos/transmute/errors"
)

// Server exposes a Capability over gRPC. Used inside capability binaries.
type Server struct {
	cap    capability.Capability
	logger *zap.SugaredLogger
}

// NewServer wraps c for serving
func NewServer(c capability.Capability, logger *zap.SugaredLogger) *Server {
	return &Server{cap: c, logger: logger}
}

// Register adds the capability service to a gRPC server
func (s *Server) Register(gs *grpc.Server) {
	gs.RegisterService(&serviceDesc, s)
}

// Serve serves on lis until ctx is cancelled
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	gs := grpc.NewServer()
	s.Register(gs)

	s.logger.Infow("Serving capability", "capability", s.cap.Info().Name, "address", lis.Addr().String())

	go func() {
		<-ctx.Done()
		gs.GracefulStop()
	}()

	if err := gs.Serve(lis); err != nil {
		return errors.Wrap(err, "gRPC server error")
	}
	return nil
}

// Describe implements the Describe RPC
func (s *Server) Describe(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	info := s.cap.Info()
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldName:        structpb.NewStringValue(info.Name),
		fieldDescription: structpb.NewStringValue(info.Description),
		fieldVersion:     structpb.NewStringValue(info.Version),
	}}, nil
}

// Validate implements the Validate RPC. An invalid request maps to
// InvalidArgument carrying the reason verbatim.
func (s *Server) Validate(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	params, err := valueToParams(req.GetFields()[fieldParameters])
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := s.cap.Validate(ctx, params); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return &emptypb.Empty{}, nil
}

// Execute implements the streaming Execute RPC: progress messages first,
// then one message per change, then the summary.
func (s *Server) Execute(req *structpb.Struct, stream grpc.ServerStream) error {
	params, err := valueToParams(req.GetFields()[fieldParameters])
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	artifact, _ := stringField(req, fieldArtifact)

	var sendErr error
	res, err := s.cap.Execute(stream.Context(), capability.ExecContext{
		Artifact:   artifact,
		Parameters: params,
		Progress: func(msg string) {
			if sendErr == nil {
				sendErr = stream.SendMsg(progressMessage(msg))
			}
		},
	})
	if err != nil {
		if errors.Is(err, errors.ErrConflict) {
			return status.Error(codes.Aborted, err.Error())
		}
		if stream.Context().Err() != nil {
			return status.Error(codes.Canceled, err.Error())
		}
		return status.Error(codes.Unknown, err.Error())
	}
	if sendErr != nil {
		return sendErr
	}

	for _, change := range res.Changes {
		if err := stream.SendMsg(changeMessage(change)); err != nil {
			return err
		}
	}
	return stream.SendMsg(summaryMessage(res.Summary))
}

// Main runs c as a capability process: it parses --port, serves until
// SIGINT or SIGTERM, and exits.
func Main(c capability.Capability) {
	port := flag.Int("port", 0, "port to serve on")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	lis, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", *port))
	if err != nil {
		logger.Sugar().Fatalw("Failed to listen", "port", *port, "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := NewServer(c, logger.Sugar()).Serve(ctx, lis); err != nil {
		logger.Sugar().Fatalw("Capability server failed", "error", err)
	}
}
