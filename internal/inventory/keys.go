// internal/inventory/keys.go
package inventory

import (
	"fmt"
	"strings"

	"authorinventory/internal/kvstore"
)

// DefaultOwner partitions data written without an owner.
const DefaultOwner = "public"

const eventMetaSK = "META"

const keySeparator = "#"

var ownerEscaper = strings.NewReplacer("%", "%25", keySeparator, "%23")

func ownerPartition(owner string) string {
	if owner == "" {
		return DefaultOwner
	}
	return owner
}

// ownerKey is the owner as it appears inside keys. Owners come from callers,
// so the separator is escaped.
func ownerKey(owner string) string { return ownerEscaper.Replace(ownerPartition(owner)) }

func bookPartition(owner string) string { return "BOOK#" + ownerKey(owner) }

func bookSortKey(bookID string) string { return "BOOK#" + bookID }

func tierPrefix(bookID string) string { return bookSortKey(bookID) + "#TIER#" }

func tierSortKey(bookID, tierID string) string { return tierPrefix(bookID) + tierID }

func eventPartition(owner string) string { return "EVENT#" + ownerKey(owner) }

func eventSortKey(date, eventID string) string { return "EVENT#" + date + "#" + eventID }

func eventLinePartition(owner, eventID string) string {
	return "EVENTLINE#" + ownerKey(owner) + "#" + eventID
}

func eventLineSortKey(index int, bookID string) string {
	return fmt.Sprintf("LINE#%04d#%s", index, bookID)
}

func gsiEventMeta(owner, eventID string) string {
	return "EVENT#" + ownerKey(owner) + "#" + eventID
}

func gsiBookEvent(owner, bookID string) string {
	return "BOOK#" + ownerKey(owner) + "#" + bookID
}

func bookKey(owner, bookID string) kvstore.Key {
	return kvstore.Key{PK: bookPartition(owner), SK: bookSortKey(bookID)}
}

func tierKey(owner, bookID, tierID string) kvstore.Key {
	return kvstore.Key{PK: bookPartition(owner), SK: tierSortKey(bookID, tierID)}
}

func lineKey(owner, eventID string, index int, bookID string) kvstore.Key {
	return kvstore.Key{PK: eventLinePartition(owner, eventID), SK: eventLineSortKey(index, bookID)}
}
