package grpc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/teranos/transmute/capability"
	"github.com/teranos/transmute/errors"
)

// Proxy is the host-side view of a capability served over gRPC
type Proxy struct {
	conn    *grpc.ClientConn
	info    capability.Info
	cmd     *exec.Cmd // nil when the host did not launch it
	logger  *zap.SugaredLogger
}

// Dial connects to a capability at addr and fetches its description
func Dial(ctx context.Context, addr string, logger *zap.SugaredLogger) (*Proxy, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create client for %s", addr)
	}

	p := &Proxy{conn: conn, logger: logger}

	out := new(structpb.Struct)
	if err := conn.Invoke(ctx, describeMethod, &emptypb.Empty{}, out); err != nil {
		conn.Close()
		return nil, errors.Wrapf(err, "describe failed at %s", addr)
	}
	p.info.Name, _ = stringField(out, fieldName)
	p.info.Description, _ = stringField(out, fieldDescription)
	p.info.Version, _ = stringField(out, fieldVersion)
	p.info.Kind = capability.KindProcess
	return p, nil
}

// Info implements capability.Capability
func (p *Proxy) Info() capability.Info {
	return p.info
}

// Validate implements capability.Capability. InvalidArgument from the
// child comes back as its reason, unwrapped.
func (p *Proxy) Validate(ctx context.Context, params json.RawMessage) error {
	v, err := paramsToValue(params)
	if err != nil {
		return err
	}
	req := &structpb.Struct{Fields: map[string]*structpb.Value{fieldParameters: v}}

	err = p.conn.Invoke(ctx, validateMethod, req, new(emptypb.Empty))
	if err == nil {
		return nil
	}
	if st, ok := status.FromError(err); ok && st.Code() == codes.InvalidArgument {
		return errors.New(st.Message())
	}
	return errors.Wrapf(err, "validate call to %s failed", p.info.Name)
}

// Execute implements capability.Capability
func (p *Proxy) Execute(ctx context.Context, exec capability.ExecContext) (*capability.Result, error) {
	v, err := paramsToValue(exec.Parameters)
	if err != nil {
		return nil, err
	}
	req := &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldArtifact:   structpb.NewStringValue(exec.Artifact),
		fieldParameters: v,
	}}

	stream, err := p.conn.NewStream(ctx, &serviceDesc.Streams[0], executeMethod)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open execute stream to %s", p.info.Name)
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, errors.Wrap(err, "failed to send execute request")
	}
	if err := stream.CloseSend(); err != nil {
		return nil, errors.Wrap(err, "failed to close execute request")
	}

	res := &capability.Result{}
	for {
		msg := new(structpb.Struct)
		err := stream.RecvMsg(msg)
		if err == io.EOF {
			return res, nil
		}
		if err != nil {
			return nil, p.executeError(ctx, err)
		}

		if text, ok := stringField(msg, fieldProgress); ok {
			exec.Report(text)
			continue
		}
		if path, ok := stringField(msg, fieldPath); ok {
			encoded, _ := stringField(msg, fieldContent)
			content, err := base64.StdEncoding.DecodeString(encoded)
			if err != nil {
				return nil, errors.Wrapf(err, "invalid content for %s", path)
			}
			res.Changes = append(res.Changes, capability.Change{Path: path, Content: content})
			continue
		}
		if summary, ok := stringField(msg, fieldSummary); ok {
			res.Summary = summary
		}
	}
}

func (p *Proxy) executeError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	st, ok := status.FromError(err)
	if !ok {
		return errors.Wrapf(err, "execute stream from %s failed", p.info.Name)
	}
	switch st.Code() {
	case codes.Aborted:
		return errors.Mark(errors.New(st.Message()), errors.ErrConflict)
	case codes.Canceled:
		return context.Canceled
	case codes.Unavailable:
		return errors.Mark(errors.Newf("capability %s is unavailable: %s", p.info.Name, st.Message()), errors.ErrServiceUnavailable)
	}
	return errors.New(st.Message())
}

// Close disconnects and stops the child process if the host launched it
func (p *Proxy) Close(ctx context.Context) error {
	err := p.conn.Close()
	if p.cmd == nil || p.cmd.Process == nil {
		return err
	}
	process := p.cmd.Process

	if sigErr := process.Signal(os.Interrupt); sigErr != nil {
		p.logger.Warnw("Failed to signal capability process", "capability", p.info.Name, "error", sigErr)
		process.Kill()
		p.cmd.Wait()
		return err
	}

	exited := make(chan struct{})
	go func() {
		p.cmd.Wait()
		close(exited)
	}()

	grace := 5 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		grace = time.Until(deadline)
	}
	select {
	case <-exited:
	case <-time.After(grace):
		p.logger.Warnw("Capability process ignored interrupt, killing", "capability", p.info.Name, "pid", process.Pid)
		process.Kill()
		<-exited
	}
	return err
}
