// Copyright 2024 The gquery Authors
// This file is part of the gquery library.
//
// The gquery library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The gquery library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the gquery library. If not, see <http://www.gnu.org/licenses/>.

// ServeRemoteStatus exposes ReadStatus/QueryRCT over gRPC for clusters
// running without RDMA-capable interconnect, where a peer cannot simply
// one-sided-read this worker's status table out of registered memory and
// must ask for it instead.
package coordinator

import (
	"context"
	"encoding/binary"
	"errors"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	"github.com/gquery/gquery/core/trx"
	"github.com/gquery/gquery/core/txstatus"
)

// RemoteStatusRequest/Response and RCTQueryRequest/Response are the
// messages carried by the hand-framed gquery codec below instead of
// protobuf: the wire layout is fixed and simple enough that a generated
// codec buys nothing a few binary.* calls don't already give us.
type RemoteStatusRequest struct{ TrxID uint64 }
type RemoteStatusResponse struct {
	Phase uint32
	Found bool
}
type RCTQueryRequest struct{ BT, CT uint64 }
type RCTQueryResponse struct{ TrxIDs []uint64 }

const gqueryCodecName = "gquery"

type gqueryCodec struct{}

func (gqueryCodec) Name() string { return gqueryCodecName }

func (gqueryCodec) Marshal(v interface{}) ([]byte, error) {
	switch m := v.(type) {
	case *RemoteStatusRequest:
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, m.TrxID)
		return buf, nil
	case *RemoteStatusResponse:
		buf := make([]byte, 5)
		binary.BigEndian.PutUint32(buf, m.Phase)
		if m.Found {
			buf[4] = 1
		}
		return buf, nil
	case *RCTQueryRequest:
		buf := make([]byte, 16)
		binary.BigEndian.PutUint64(buf, m.BT)
		binary.BigEndian.PutUint64(buf[8:], m.CT)
		return buf, nil
	case *RCTQueryResponse:
		buf := make([]byte, 4+8*len(m.TrxIDs))
		binary.BigEndian.PutUint32(buf, uint32(len(m.TrxIDs)))
		off := 4
		for _, id := range m.TrxIDs {
			binary.BigEndian.PutUint64(buf[off:], id)
			off += 8
		}
		return buf, nil
	default:
		return nil, errors.New("coordinator: unsupported message type for gquery codec")
	}
}

func (gqueryCodec) Unmarshal(data []byte, v interface{}) error {
	switch m := v.(type) {
	case *RemoteStatusRequest:
		if len(data) < 8 {
			return errors.New("coordinator: short RemoteStatusRequest")
		}
		m.TrxID = binary.BigEndian.Uint64(data)
	case *RemoteStatusResponse:
		if len(data) < 5 {
			return errors.New("coordinator: short RemoteStatusResponse")
		}
		m.Phase = binary.BigEndian.Uint32(data)
		m.Found = data[4] == 1
	case *RCTQueryRequest:
		if len(data) < 16 {
			return errors.New("coordinator: short RCTQueryRequest")
		}
		m.BT = binary.BigEndian.Uint64(data)
		m.CT = binary.BigEndian.Uint64(data[8:])
	case *RCTQueryResponse:
		if len(data) < 4 {
			return errors.New("coordinator: short RCTQueryResponse")
		}
		n := binary.BigEndian.Uint32(data)
		if len(data) < 4+int(n)*8 {
			return errors.New("coordinator: truncated RCTQueryResponse")
		}
		m.TrxIDs = make([]uint64, n)
		off := 4
		for i := range m.TrxIDs {
			m.TrxIDs[i] = binary.BigEndian.Uint64(data[off:])
			off += 8
		}
	default:
		return errors.New("coordinator: unsupported message type for gquery codec")
	}
	return nil
}

func init() {
	encoding.RegisterCodec(gqueryCodec{})
}

// remoteStatusService implements the two unary RPCs by hand against a
// grpc.ServiceDesc, since there is no .proto pipeline in this tree.
type remoteStatusService struct {
	coord *Coordinator
}

func readStatusHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
	s := srv.(*remoteStatusService)
	req := new(RemoteStatusRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	phase, ok := s.coord.ReadStatus(trx.ID(req.TrxID))
	return &RemoteStatusResponse{Phase: uint32(phase), Found: ok}, nil
}

func queryRCTHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
	s := srv.(*remoteStatusService)
	req := new(RCTQueryRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	ids := s.coord.QueryRCT(req.BT, req.CT)
	out := make([]uint64, len(ids))
	for i, id := range ids {
		out[i] = uint64(id)
	}
	return &RCTQueryResponse{TrxIDs: out}, nil
}

var remoteStatusServiceDesc = grpc.ServiceDesc{
	ServiceName: "gquery.RemoteStatus",
	HandlerType: (*interface{})(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ReadStatus", Handler: readStatusHandler},
		{MethodName: "QueryRCT", Handler: queryRCTHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "coordinator/remote_status.proto",
}

// ServeRemoteStatus listens on addr and serves ReadStatus/QueryRCT until
// the listener is closed; used only by TCP-mode clusters (RDMA clusters
// read status tables with one-sided reads instead).
func ServeRemoteStatus(addr string, coord *Coordinator) (*grpc.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	srv := grpc.NewServer()
	srv.RegisterService(&remoteStatusServiceDesc, &remoteStatusService{coord: coord})
	go func() {
		_ = srv.Serve(ln)
	}()
	return srv, nil
}

// RemoteStatusClient is a thin client for ReadStatus/QueryRCT against a
// peer's ServeRemoteStatus endpoint.
type RemoteStatusClient struct {
	conn *grpc.ClientConn
}

func DialRemoteStatus(addr string) (*RemoteStatusClient, error) {
	conn, err := grpc.Dial(addr, grpc.WithInsecure(), grpc.WithDefaultCallOptions(grpc.CallContentSubtype(gqueryCodecName)))
	if err != nil {
		return nil, err
	}
	return &RemoteStatusClient{conn: conn}, nil
}

func (c *RemoteStatusClient) ReadStatus(ctx context.Context, id trx.ID) (txstatus.Phase, bool, error) {
	resp := new(RemoteStatusResponse)
	err := c.conn.Invoke(ctx, "/gquery.RemoteStatus/ReadStatus", &RemoteStatusRequest{TrxID: uint64(id)}, resp)
	if err != nil {
		return 0, false, err
	}
	return txstatus.Phase(resp.Phase), resp.Found, nil
}

func (c *RemoteStatusClient) QueryRCT(ctx context.Context, bt, ct uint64) ([]trx.ID, error) {
	resp := new(RCTQueryResponse)
	err := c.conn.Invoke(ctx, "/gquery.RemoteStatus/QueryRCT", &RCTQueryRequest{BT: bt, CT: ct}, resp)
	if err != nil {
		return nil, err
	}
	out := make([]trx.ID, len(resp.TrxIDs))
	for i, id := range resp.TrxIDs {
		out[i] = trx.ID(id)
	}
	return out, nil
}

func (c *RemoteStatusClient) Close() error { return c.conn.Close() }
