package store

import "github.com/mostpan/tbgdb/internal/forum"

// Content comparison helpers shared by the store backends. Freshness
// timestamps (FirstScraped/LastScraped) are excluded everywhere: an upsert
// whose content fields all match is classified Unchanged even though the
// freshness timestamp still advances.

// UserContentEqual reports whether two user records carry identical content.
func UserContentEqual(a, b forum.User) bool {
	return a.UID == b.UID &&
		a.Name == b.Name &&
		a.Avatar == b.Avatar &&
		a.Group == b.Group &&
		a.Posts == b.Posts &&
		a.Signature == b.Signature &&
		a.Email == b.Email &&
		a.Blurb == b.Blurb &&
		a.Location == b.Location &&
		a.RealName == b.RealName &&
		a.Social == b.Social &&
		a.Website == b.Website &&
		a.Gender == b.Gender
}

// BoardContentEqual reports whether two board records carry identical content.
func BoardContentEqual(a, b forum.Board) bool {
	return a.BID == b.BID && a.Name == b.Name
}

// TopicContentEqual reports whether two topic records carry identical content.
func TopicContentEqual(a, b forum.Topic) bool {
	return a.TID == b.TID && a.Name == b.Name && a.BID == b.BID
}

// MessageContentEqual reports whether two message records carry identical
// content. The Deleted flag counts as content: a resurrection is an update,
// not a freshness-only write.
func MessageContentEqual(a, b forum.Message) bool {
	if (a.Edited == nil) != (b.Edited == nil) {
		return false
	}
	if a.Edited != nil && !a.Edited.Equal(*b.Edited) {
		return false
	}
	return a.MID == b.MID &&
		a.Subject == b.Subject &&
		a.Date.Equal(b.Date) &&
		a.Content == b.Content &&
		a.UID == b.UID &&
		a.Icon == b.Icon &&
		a.TID == b.TID &&
		a.Deleted == b.Deleted
}
