package assigners

import (
	"sort"

	"github.com/mkocikowski/kafkaconsumer/groups"
)

// RoundRobin lays out all topic partitions in (topic, partition) order and
// deals them to members sorted by id, skipping members not subscribed to
// the topic. Compatible with the java client's "roundrobin" assignor.
type RoundRobin struct{}

func (*RoundRobin) Name() string { return "roundrobin" }

type topicPartition struct {
	topic     string
	partition int32
}

func sortedPartitions(partitions map[string][]int32) []topicPartition {
	var out []topicPartition
	for t, pp := range partitions {
		for _, p := range pp {
			out = append(out, topicPartition{t, p})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].topic != out[j].topic {
			return out[i].topic < out[j].topic
		}
		return out[i].partition < out[j].partition
	})
	return out
}

func assignRoundRobin(members []groups.Member, partitions []topicPartition) map[string]map[string][]int32 {
	sorted := append([]groups.Member(nil), members...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	subscribed := make([]map[string]bool, len(sorted))
	assignments := map[string]map[string][]int32{}
	for i, m := range sorted {
		subscribed[i] = map[string]bool{}
		for _, t := range m.Topics {
			subscribed[i][t] = true
		}
		assignments[m.ID] = map[string][]int32{}
	}
	n := 0
	for _, tp := range partitions {
		for tries := 0; tries < len(sorted); tries++ {
			i := n % len(sorted)
			n++
			if subscribed[i][tp.topic] {
				m := sorted[i].ID
				assignments[m][tp.topic] = append(assignments[m][tp.topic], tp.partition)
				break
			}
		}
	}
	return assignments
}

func (a *RoundRobin) Assign(members []groups.Member, partitions map[string][]int32) (map[string]map[string][]int32, error) {
	if len(members) == 0 { // not leader
		return map[string]map[string][]int32{}, nil
	}
	return assignRoundRobin(members, sortedPartitions(partitions)), nil
}
