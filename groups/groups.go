// Package groups implements consumer group membership: join, sync,
// heartbeat, and leave, using the "consumer" protocol type so that other
// kafka clients can be members of the same group.
package groups

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/mkocikowski/kafkaconsumer/errors"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"
)

const ProtocolType = "consumer"

// Member of the group as seen by the leader.
type Member struct {
	ID       string
	Topics   []string
	UserData []byte
}

// Assigner is run by the group leader to distribute partitions. Returns
// member id -> topic -> partitions. Every member should be present in the
// result, even if with no partitions.
type Assigner interface {
	Name() string
	Assign(members []Member, partitions map[string][]int32) (map[string]map[string][]int32, error)
}

// Requestor sends requests to the group coordinator. Implemented by
// builder.Conn.
type Requestor interface {
	Request(context.Context, kmsg.Request) (kmsg.Response, error)
}

// Membership in a single consumer group. Make sure to set public field
// values before calling JoinAndSync. Safe for concurrent use.
type Membership struct {
	Group    string
	Topics   []string
	Assigner Assigner
	// Sent with join requests. Zero means 30s
	SessionTimeout time.Duration
	// Zero means 60s
	RebalanceTimeout time.Duration
	// Static membership id, optional
	InstanceID string
	// Returns connection to the group coordinator
	Coordinator func(context.Context) (Requestor, error)
	// Returns partition ids for topics; used when leader
	Partitions func(ctx context.Context, topics []string) (map[string][]int32, error)
	Logger     log.Logger
	//
	sync.Mutex
	memberID   string
	generation int32
	leaderID   string
	protocol   string
	members    []Member
	assignment map[string][]int32
}

func (c *Membership) logger() log.Logger {
	if c.Logger == nil {
		return log.NewNopLogger()
	}
	return c.Logger
}

func (c *Membership) instanceID() *string {
	if c.InstanceID == "" {
		return nil
	}
	id := c.InstanceID
	return &id
}

func millis(d, def time.Duration) int32 {
	if d == 0 {
		d = def
	}
	return int32(d / time.Millisecond)
}

func (c *Membership) metadata() []byte {
	meta := kmsg.NewConsumerMemberMetadata()
	meta.Version = 0
	meta.Topics = append([]string(nil), c.Topics...)
	sort.Strings(meta.Topics)
	return meta.AppendTo(nil)
}

func (c *Membership) join(ctx context.Context, conn Requestor) error {
	req := kmsg.NewPtrJoinGroupRequest()
	req.SetVersion(5)
	req.Group = c.Group
	req.SessionTimeoutMillis = millis(c.SessionTimeout, 30*time.Second)
	req.RebalanceTimeoutMillis = millis(c.RebalanceTimeout, time.Minute)
	req.InstanceID = c.instanceID()
	req.ProtocolType = ProtocolType
	protocol := kmsg.NewJoinGroupRequestProtocol()
	protocol.Name = c.Assigner.Name()
	protocol.Metadata = c.metadata()
	req.Protocols = append(req.Protocols, protocol)
	// kafka 2.2+ rejects the first join without member id and hands
	// out an id to use in the second one
	for attempt := 0; attempt < 2; attempt++ {
		req.MemberID = c.memberID
		kresp, err := conn.Request(ctx, req)
		if err != nil {
			return err
		}
		resp := kresp.(*kmsg.JoinGroupResponse)
		switch resp.ErrorCode {
		case kerr.MemberIDRequired.Code:
			c.memberID = resp.MemberID
			continue
		case kerr.UnknownMemberID.Code:
			c.memberID = ""
		}
		if err := errors.Protocol("join group", resp.ErrorCode); err != nil {
			return err
		}
		c.memberID = resp.MemberID
		c.generation = resp.Generation
		c.leaderID = resp.LeaderID
		if resp.Protocol != nil {
			c.protocol = *resp.Protocol
		}
		c.members = c.members[:0]
		for _, m := range resp.Members {
			meta := kmsg.NewConsumerMemberMetadata()
			if err := meta.ReadFrom(m.ProtocolMetadata); err != nil {
				return errors.Format("error decoding metadata of member %s: %w", m.MemberID, err)
			}
			c.members = append(c.members, Member{ID: m.MemberID, Topics: meta.Topics, UserData: meta.UserData})
		}
		return nil
	}
	return errors.Protocol("join group", kerr.MemberIDRequired.Code)
}

func (c *Membership) assign(ctx context.Context) ([]kmsg.SyncGroupRequestGroupAssignment, error) {
	if c.leaderID != c.memberID {
		return nil, nil
	}
	var topics []string
	seen := map[string]bool{}
	for _, m := range c.members {
		for _, t := range m.Topics {
			if !seen[t] {
				seen[t] = true
				topics = append(topics, t)
			}
		}
	}
	sort.Strings(topics)
	partitions, err := c.Partitions(ctx, topics)
	if err != nil {
		return nil, err
	}
	plan, err := c.Assigner.Assign(c.members, partitions)
	if err != nil {
		return nil, err
	}
	var assignments []kmsg.SyncGroupRequestGroupAssignment
	for _, m := range c.members {
		a := kmsg.NewConsumerMemberAssignment()
		a.Version = 0
		memberTopics := plan[m.ID]
		names := make([]string, 0, len(memberTopics))
		for t := range memberTopics {
			names = append(names, t)
		}
		sort.Strings(names)
		for _, t := range names {
			a.Topics = append(a.Topics, kmsg.ConsumerMemberAssignmentTopic{Topic: t, Partitions: memberTopics[t]})
		}
		ga := kmsg.NewSyncGroupRequestGroupAssignment()
		ga.MemberID = m.ID
		ga.MemberAssignment = a.AppendTo(nil)
		assignments = append(assignments, ga)
	}
	return assignments, nil
}

func (c *Membership) sync(ctx context.Context, conn Requestor) error {
	assignments, err := c.assign(ctx)
	if err != nil {
		return err
	}
	req := kmsg.NewPtrSyncGroupRequest()
	req.SetVersion(3)
	req.Group = c.Group
	req.Generation = c.generation
	req.MemberID = c.memberID
	req.InstanceID = c.instanceID()
	req.GroupAssignment = assignments
	kresp, err := conn.Request(ctx, req)
	if err != nil {
		return err
	}
	resp := kresp.(*kmsg.SyncGroupResponse)
	if resp.ErrorCode == kerr.UnknownMemberID.Code {
		c.memberID = ""
	}
	if err := errors.Protocol("sync group", resp.ErrorCode); err != nil {
		return err
	}
	assignment := map[string][]int32{}
	if len(resp.MemberAssignment) > 0 {
		a := kmsg.NewConsumerMemberAssignment()
		if err := a.ReadFrom(resp.MemberAssignment); err != nil {
			return errors.Format("error decoding member assignment: %w", err)
		}
		for _, t := range a.Topics {
			assignment[t.Topic] = append(assignment[t.Topic], t.Partitions...)
		}
	}
	c.assignment = assignment
	return nil
}

// JoinAndSync performs a full join group and sync group cycle. If this
// member is elected leader it runs the Assigner for the whole group. On
// success Assignment returns the partitions assigned to this member for the
// new generation.
func (c *Membership) JoinAndSync(ctx context.Context) error {
	c.Lock()
	defer c.Unlock()
	conn, err := c.Coordinator(ctx)
	if err != nil {
		return err
	}
	if err := c.join(ctx, conn); err != nil {
		return err
	}
	if err := c.sync(ctx, conn); err != nil {
		return err
	}
	level.Info(c.logger()).Log("msg", "joined group", "group", c.Group, "generation", c.generation,
		"member", c.memberID, "leader", c.leaderID == c.memberID, "protocol", c.protocol, "assignment", len(c.assignment))
	return nil
}

// Heartbeat makes a single Heartbeat api call.
func (c *Membership) Heartbeat(ctx context.Context) error {
	c.Lock()
	defer c.Unlock()
	conn, err := c.Coordinator(ctx)
	if err != nil {
		return err
	}
	req := kmsg.NewPtrHeartbeatRequest()
	req.SetVersion(3)
	req.Group = c.Group
	req.Generation = c.generation
	req.MemberID = c.memberID
	req.InstanceID = c.instanceID()
	kresp, err := conn.Request(ctx, req)
	if err != nil {
		return err
	}
	code := kresp.(*kmsg.HeartbeatResponse).ErrorCode
	if code == kerr.UnknownMemberID.Code {
		c.memberID = ""
	}
	return errors.Protocol("heartbeat", code)
}

// Leave the group. Nop if not a member.
func (c *Membership) Leave(ctx context.Context) error {
	c.Lock()
	defer c.Unlock()
	if c.memberID == "" {
		return nil
	}
	conn, err := c.Coordinator(ctx)
	if err != nil {
		return err
	}
	req := kmsg.NewPtrLeaveGroupRequest()
	req.SetVersion(3)
	req.Group = c.Group
	m := kmsg.NewLeaveGroupRequestMember()
	m.MemberID = c.memberID
	m.InstanceID = c.instanceID()
	req.Members = append(req.Members, m)
	kresp, err := conn.Request(ctx, req)
	if err != nil {
		return err
	}
	resp := kresp.(*kmsg.LeaveGroupResponse)
	if err := errors.Protocol("leave group", resp.ErrorCode); err != nil {
		return err
	}
	for _, m := range resp.Members {
		if err := errors.Protocol("leave group", m.ErrorCode); err != nil {
			return err
		}
	}
	c.memberID = ""
	c.generation = 0
	c.assignment = nil
	return nil
}

// Assignment for the current generation: topic -> partitions.
func (c *Membership) Assignment() map[string][]int32 {
	c.Lock()
	defer c.Unlock()
	out := make(map[string][]int32, len(c.assignment))
	for t, p := range c.assignment {
		out[t] = append([]int32(nil), p...)
	}
	return out
}

// Generation and member id; matches offsets.Member.
func (c *Membership) Generation() (int32, string) {
	c.Lock()
	defer c.Unlock()
	return c.generation, c.memberID
}

func (c *Membership) IsLeader() bool {
	c.Lock()
	defer c.Unlock()
	return c.memberID != "" && c.leaderID == c.memberID
}
