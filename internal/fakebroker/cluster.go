package fakebroker

import (
	"sort"
	"sync"
	"time"

	"github.com/mkocikowski/kafkaconsumer/batch"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// Cluster is a single broker cluster with one topic and a single member
// group. The broker is the group coordinator and the leader of every
// partition. Records are served uncompressed, one batch per fetch.
type Cluster struct {
	*Broker
	//
	mu            sync.Mutex
	host          string
	port          int32
	topic         string
	records       map[int32][]record
	committed     map[int32]int64
	heartbeatCode int16
	noOffsets     bool
}

type record struct {
	value   string
	control bool
}

// StartCluster with topic and the given number of partitions, all empty.
func StartCluster(topic string, partitions int) (*Cluster, error) {
	cl := &Cluster{
		topic:     topic,
		records:   map[int32][]record{},
		committed: map[int32]int64{},
	}
	for p := 0; p < partitions; p++ {
		cl.records[int32(p)] = nil
	}
	b, err := Start(cl.handle)
	if err != nil {
		return nil, err
	}
	cl.mu.Lock()
	cl.Broker = b
	cl.host, cl.port = b.HostPort()
	cl.mu.Unlock()
	return cl, nil
}

// Append record values to partition.
func (cl *Cluster) Append(partition int32, values ...string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	for _, v := range values {
		cl.records[partition] = append(cl.records[partition], record{value: v})
	}
}

// AppendControl appends a control record (a transaction marker) to
// partition. It takes an offset but is never returned to consumers.
func (cl *Cluster) AppendControl(partition int32) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	cl.records[partition] = append(cl.records[partition], record{value: "\x00\x00\x00\x01", control: true})
}

// Committed offset of partition.
func (cl *Cluster) Committed(partition int32) (int64, bool) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	offset, ok := cl.committed[partition]
	return offset, ok
}

func (cl *Cluster) SetCommitted(partition int32, offset int64) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	cl.committed[partition] = offset
}

// SetHeartbeatCode sets the error code of all following heartbeat
// responses.
func (cl *Cluster) SetHeartbeatCode(code int16) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	cl.heartbeatCode = code
}

// SetNoOffsets makes list offsets answer -1 for every partition, as brokers
// do when there is no offset for the requested timestamp.
func (cl *Cluster) SetNoOffsets(v bool) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	cl.noOffsets = v
}

func (cl *Cluster) handle(req kmsg.Request) (kmsg.Response, error) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	switch req := req.(type) {
	case *kmsg.FindCoordinatorRequest:
		resp := req.ResponseKind().(*kmsg.FindCoordinatorResponse)
		resp.NodeID, resp.Host, resp.Port = 1, cl.host, cl.port
		return resp, nil
	case *kmsg.MetadataRequest:
		return cl.metadata(req), nil
	case *kmsg.JoinGroupRequest:
		resp := req.ResponseKind().(*kmsg.JoinGroupResponse)
		resp.MemberID, resp.LeaderID, resp.Generation = "m1", "m1", 1
		protocol := req.Protocols[0].Name
		resp.Protocol = &protocol
		m := kmsg.NewJoinGroupResponseMember()
		m.MemberID, m.ProtocolMetadata = "m1", req.Protocols[0].Metadata
		resp.Members = append(resp.Members, m)
		return resp, nil
	case *kmsg.SyncGroupRequest:
		resp := req.ResponseKind().(*kmsg.SyncGroupResponse)
		for _, a := range req.GroupAssignment {
			if a.MemberID == req.MemberID {
				resp.MemberAssignment = a.MemberAssignment
			}
		}
		return resp, nil
	case *kmsg.HeartbeatRequest:
		resp := req.ResponseKind().(*kmsg.HeartbeatResponse)
		resp.ErrorCode = cl.heartbeatCode
		return resp, nil
	case *kmsg.LeaveGroupRequest:
		return req.ResponseKind(), nil
	case *kmsg.OffsetFetchRequest:
		return cl.offsetFetch(req), nil
	case *kmsg.OffsetCommitRequest:
		return cl.offsetCommit(req), nil
	case *kmsg.ListOffsetsRequest:
		return cl.listOffsets(req), nil
	case *kmsg.FetchRequest:
		resp := req.ResponseKind().(*kmsg.FetchResponse)
		for _, t := range req.Topics {
			rt := kmsg.NewFetchResponseTopic()
			rt.Topic = t.Topic
			for _, p := range t.Partitions {
				rt.Partitions = append(rt.Partitions, cl.fetchPartition(p))
			}
			resp.Topics = append(resp.Topics, rt)
		}
		return resp, nil
	}
	return nil, nil
}

func (cl *Cluster) metadata(req *kmsg.MetadataRequest) kmsg.Response {
	resp := req.ResponseKind().(*kmsg.MetadataResponse)
	b := kmsg.NewMetadataResponseBroker()
	b.NodeID, b.Host, b.Port = 1, cl.host, cl.port
	resp.Brokers = append(resp.Brokers, b)
	rt := kmsg.NewMetadataResponseTopic()
	topic := cl.topic
	rt.Topic = &topic
	var partitions []int32
	for p := range cl.records {
		partitions = append(partitions, p)
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })
	for _, p := range partitions {
		rp := kmsg.NewMetadataResponseTopicPartition()
		rp.Partition, rp.Leader = p, 1
		rt.Partitions = append(rt.Partitions, rp)
	}
	resp.Topics = append(resp.Topics, rt)
	return resp
}

func (cl *Cluster) offsetFetch(req *kmsg.OffsetFetchRequest) kmsg.Response {
	resp := req.ResponseKind().(*kmsg.OffsetFetchResponse)
	for _, t := range req.Topics {
		rt := kmsg.NewOffsetFetchResponseTopic()
		rt.Topic = t.Topic
		for _, p := range t.Partitions {
			rp := kmsg.NewOffsetFetchResponseTopicPartition()
			rp.Partition = p
			rp.Offset = -1
			if offset, ok := cl.committed[p]; ok && t.Topic == cl.topic {
				rp.Offset = offset
			}
			rt.Partitions = append(rt.Partitions, rp)
		}
		resp.Topics = append(resp.Topics, rt)
	}
	return resp
}

func (cl *Cluster) offsetCommit(req *kmsg.OffsetCommitRequest) kmsg.Response {
	resp := req.ResponseKind().(*kmsg.OffsetCommitResponse)
	for _, t := range req.Topics {
		rt := kmsg.NewOffsetCommitResponseTopic()
		rt.Topic = t.Topic
		for _, p := range t.Partitions {
			rp := kmsg.NewOffsetCommitResponseTopicPartition()
			rp.Partition = p.Partition
			if t.Topic == cl.topic {
				cl.committed[p.Partition] = p.Offset
			} else {
				rp.ErrorCode = kerr.UnknownTopicOrPartition.Code
			}
			rt.Partitions = append(rt.Partitions, rp)
		}
		resp.Topics = append(resp.Topics, rt)
	}
	return resp
}

// listOffsets answers -1 (latest) with the partition end and -2 (earliest)
// with 0. Other timestamps get no offset (-1).
func (cl *Cluster) listOffsets(req *kmsg.ListOffsetsRequest) kmsg.Response {
	resp := req.ResponseKind().(*kmsg.ListOffsetsResponse)
	for _, t := range req.Topics {
		rt := kmsg.NewListOffsetsResponseTopic()
		rt.Topic = t.Topic
		for _, p := range t.Partitions {
			rp := kmsg.NewListOffsetsResponseTopicPartition()
			rp.Partition = p.Partition
			switch {
			case cl.noOffsets:
			case p.Timestamp == -1:
				rp.Offset = int64(len(cl.records[p.Partition]))
			case p.Timestamp == -2:
				rp.Offset = 0
			}
			rt.Partitions = append(rt.Partitions, rp)
		}
		resp.Topics = append(resp.Topics, rt)
	}
	return resp
}

// fetchPartition returns everything from the fetch offset on, one record
// batch per run of data or control records.
func (cl *Cluster) fetchPartition(p kmsg.FetchRequestTopicPartition) kmsg.FetchResponseTopicPartition {
	records := cl.records[p.Partition]
	rp := kmsg.NewFetchResponseTopicPartition()
	rp.Partition = p.Partition
	rp.HighWatermark = int64(len(records))
	rp.LastStableOffset = rp.HighWatermark
	if p.FetchOffset < 0 || p.FetchOffset > rp.HighWatermark {
		rp.ErrorCode = kerr.OffsetOutOfRange.Code
		return rp
	}
	now := time.Now()
	var b *batch.Builder
	flush := func() {
		if b == nil {
			return
		}
		raw, err := b.Build(now)
		if err != nil {
			panic(err)
		}
		rp.RecordBatches = append(rp.RecordBatches, raw...)
		b = nil
	}
	for i := p.FetchOffset; i < rp.HighWatermark; i++ {
		r := records[i]
		if b != nil && b.Control != r.control {
			flush()
		}
		if b == nil {
			b = batch.NewBuilder(i, now)
			b.Control = r.control
		}
		b.Add(nil, []byte(r.value))
	}
	flush()
	return rp
}
