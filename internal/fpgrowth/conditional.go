package fpgrowth

import (
	"fmt"
	"math"
)

// conditional is the scratch state for one conditioned item: its pattern
// base re-based into a private arena. It is dropped once the item's
// itemsets are emitted.
type conditional struct {
	item     Item
	tree     *Arena
	pruned   int
	rejected int
}

// buildConditional re-bases the paths ending at item into a scratch tree.
// Each path whose end-node support meets minSupport is inserted once with
// that support as its weight; the conditioned item itself closes every path
// and is not inserted.
func buildConditional(item Item, paths []Path, minSupport, minSize int) (*conditional, error) {
	c := &conditional{item: item, tree: NewArena()}
	for _, p := range paths {
		if err := p.Validate(item); err != nil {
			return nil, err
		}
		if p.Support() < minSupport {
			c.pruned++
			if len(p.Items) >= minSize {
				c.rejected++
			}
			continue
		}
		prefix := p.Items[:len(p.Items)-1]
		if len(prefix) == 0 {
			continue
		}
		c.tree.insert(prefix, p.Support())
	}
	return c, nil
}

// aggregate computes each node's evaluation support: a leaf keeps its own
// count, an ancestor takes the minimum over the leaves beneath it.
func (c *conditional) aggregate() ([]int, error) {
	nodes := c.tree.nodes
	agg := make([]int, len(nodes))
	for i := range agg {
		agg[i] = math.MaxInt
	}
	// Children always sit at a higher index than their parent.
	for i := len(nodes) - 1; i > 0; i-- {
		if len(nodes[i].children) == 0 {
			agg[i] = nodes[i].support
		}
		if agg[i] > nodes[i].support {
			return nil, fmt.Errorf("%w: conditional node %s for %s aggregates %d above its count %d",
				ErrStructural, nodes[i].item, c.item, agg[i], nodes[i].support)
		}
		if p := nodes[i].parent; p > 0 && agg[i] < agg[p] {
			agg[p] = agg[i]
		}
	}
	return agg, nil
}

// itemsets walks every root-to-leaf path of the scratch tree and emits the
// path plus the conditioned item when it is large enough and supported.
func (c *conditional) itemsets(minSupport, minSize int) ([]Finding, error) {
	agg, err := c.aggregate()
	if err != nil {
		return nil, err
	}
	var findings []Finding
	for i := 1; i < len(c.tree.nodes); i++ {
		if len(c.tree.nodes[i].children) != 0 {
			continue
		}
		p := c.tree.path(i)
		if len(p.Items)+1 < minSize {
			continue
		}
		if agg[i] < minSupport {
			c.rejected++
			continue
		}
		itemset := make([]Item, 0, len(p.Items)+1)
		itemset = append(itemset, p.Items...)
		itemset = append(itemset, c.item)
		findings = append(findings, Finding{Kind: FindingKind, Itemset: itemset, Support: agg[i]})
	}
	return findings, nil
}
