package processors

import (
	"context"

	"github.com/username/aims/backend/src/logger"
	"github.com/username/aims/backend/src/models"
)

// Linker decides which activity each transaction belongs to.
type Linker struct{}

func NewLinker() *Linker { return &Linker{} }

// Link resolves every transaction not blocked by validation. An explicit
// activity reference takes precedence over the containing activity and is
// never silently replaced by it: a reference missing from the map leaves the
// transaction unresolved.
func (l *Linker) Link(ctx context.Context, doc *models.Document, refs *ReferenceMap, blocked map[string]bool) *models.LinkSet {
	links := models.NewLinkSet()
	for _, tx := range doc.Transactions() {
		if blocked[tx.Key] {
			continue
		}
		reference := tx.ReferenceString()
		if reference == "" {
			links.Put(models.NewUnresolvedDecision(tx.Key, ""))
			continue
		}
		if target, ok := refs.Lookup(reference); ok {
			links.Put(models.NewLinkedDecision(tx.Key, reference, target))
		} else {
			links.Put(models.NewUnresolvedDecision(tx.Key, reference))
		}
	}
	logger.FromContext(ctx).Info("Transaction linking complete",
		"linked", len(links.InState(models.LinkLinked)),
		"unresolved", len(links.Unresolved()))
	return links
}
