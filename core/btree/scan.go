package btree

import "github.com/calderadb/caldera/core/pagemanager"

// Visitor receives keys during a scan. Trees with a plain fixed-size key
// layout deliver whole leaves through VisitPackedKeys; every other layout
// delivers keys one by one.
type Visitor interface {
	VisitKey(key []byte, dupCount uint32) error
	// VisitPackedKeys receives count keys of keySize bytes back to back.
	VisitPackedKeys(keys []byte, keySize, count int) error
}

// Scan iterates all leaves left to right. distinct counts each key once
// regardless of duplicates.
func (t *Tree) Scan(ctx *pagemanager.Context, v Visitor, distinct bool) error {
	n, err := t.leftmostLeaf(ctx)
	if err != nil {
		return err
	}
	for n != nil {
		count := n.count()
		if count > 0 {
			if pod, ok := n.keys.(*podKeyList); ok && (distinct || !t.cfg.Duplicates) {
				if err := v.VisitPackedKeys(pod.packedKeys(count), pod.size, count); err != nil {
					return err
				}
			} else {
				for slot := 0; slot < count; slot++ {
					key, err := n.key(ctx, slot)
					if err != nil {
						return err
					}
					dups := 1
					if !distinct && t.cfg.Duplicates {
						if dups, err = n.recs.recordCount(ctx, slot); err != nil {
							return err
						}
					}
					if err := v.VisitKey(key, uint32(dups)); err != nil {
						return err
					}
				}
			}
		}
		if n, err = t.nextLeaf(ctx, n); err != nil {
			return err
		}
	}
	return nil
}

type countVisitor struct {
	total uint64
}

func (cv *countVisitor) VisitKey(key []byte, dupCount uint32) error {
	cv.total += uint64(dupCount)
	return nil
}

func (cv *countVisitor) VisitPackedKeys(keys []byte, keySize, count int) error {
	cv.total += uint64(count)
	return nil
}

// Count returns the number of keys; with distinct false duplicates are
// counted individually.
func (t *Tree) Count(ctx *pagemanager.Context, distinct bool) (uint64, error) {
	cv := &countVisitor{}
	if err := t.Scan(ctx, cv, distinct); err != nil {
		return 0, err
	}
	return cv.total, nil
}
