package database

import (
	"time"
)

type feedRepository struct {
	db *DB
}

func NewFeedRepository(db *DB) FeedRepository {
	return &feedRepository{db: db}
}

func (r *feedRepository) InsertItem(item *FeedItem) error {
	_, err := r.db.Exec(`
		INSERT INTO feed_items (id, feed_name, guid, title, description, link, published_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.FeedName, item.GUID, item.Title, item.Description,
		item.Link, formatTime(item.PublishedAt))
	if err != nil {
		return &PersistenceError{Op: "insert feed item", Cause: err}
	}
	return nil
}

func (r *feedRepository) GetItems(feedName string, limit int) ([]*FeedItem, error) {
	rows, err := r.db.Query(`
		SELECT id, feed_name, guid, title, description, link, published_at
		FROM feed_items
		WHERE feed_name = ?
		ORDER BY published_at DESC
		LIMIT ?`, feedName, limit)
	if err != nil {
		return nil, &PersistenceError{Op: "list feed items", Cause: err}
	}
	defer rows.Close()

	var items []*FeedItem
	for rows.Next() {
		var item FeedItem
		var publishedAt string
		err := rows.Scan(&item.ID, &item.FeedName, &item.GUID, &item.Title,
			&item.Description, &item.Link, &publishedAt)
		if err != nil {
			return nil, &PersistenceError{Op: "scan feed item", Cause: err}
		}
		item.PublishedAt, err = time.Parse(time.RFC3339Nano, publishedAt)
		if err != nil {
			return nil, &PersistenceError{Op: "parse feed item timestamp", Cause: err}
		}
		items = append(items, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, &PersistenceError{Op: "iterate feed items", Cause: err}
	}
	return items, nil
}
