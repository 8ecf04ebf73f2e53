package swarm

import "github.com/arannis/meshcast/internal/container/pq"

// rarityItem pairs a needed piece index with how many known peers hold it.
type rarityItem struct {
	index  int
	rarity int
}

// neededIndices returns every index not owned and not in flight, ordered
// rarest-first (ascending rarity, ties broken by ascending index). Each
// call fills a fresh min-heap over rarityItem and drains it in order.
func (m *Manager) neededIndices(sw *Swarm, peerBitfields PeerBitfields) []int {
	queue := pq.New(func(a, b rarityItem) bool {
		if a.rarity != b.rarity {
			return a.rarity < b.rarity
		}
		return a.index < b.index
	})

	for i := 0; i < sw.Metadata.Total; i++ {
		if sw.Owned.Has(i) {
			continue
		}
		if _, taken := sw.requested[i]; taken {
			continue
		}

		count := 0
		for _, bf := range peerBitfields {
			if bf.Has(i) {
				count++
			}
		}
		queue.Enqueue(rarityItem{index: i, rarity: count})
	}

	needed := make([]int, 0, queue.Len())
	for {
		item, ok := queue.Dequeue()
		if !ok {
			break
		}
		needed = append(needed, item.index)
	}
	return needed
}
