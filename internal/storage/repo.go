package storage

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/pro-assist/stina-server/pkg/types"
)

// FileRepository persists conversations and interactions in the file store.
//
// Layout:
//
//	conversation/<userID>/<conversationID>.json
//	interaction/<conversationID>/<interactionID>.json
type FileRepository struct {
	store *Store
}

// NewFileRepository creates a repository on top of a Store.
func NewFileRepository(store *Store) *FileRepository {
	return &FileRepository{store: store}
}

// SaveConversation writes a conversation, bumping its updated timestamp.
func (r *FileRepository) SaveConversation(ctx context.Context, conv *types.Conversation) error {
	now := time.Now().UnixMilli()
	if conv.Time.Created == 0 {
		conv.Time.Created = now
	}
	conv.Time.Updated = now
	return r.store.Put(ctx, []string{"conversation", conv.UserID, conv.ID}, conv)
}

// GetConversation finds a conversation by id across all users.
func (r *FileRepository) GetConversation(ctx context.Context, id string) (*types.Conversation, error) {
	users, err := r.store.List(ctx, []string{"conversation"})
	if err != nil {
		return nil, err
	}
	for _, userID := range users {
		var conv types.Conversation
		if err := r.store.Get(ctx, []string{"conversation", userID, id}, &conv); err == nil {
			return &conv, nil
		}
	}
	return nil, ErrNotFound
}

// GetLatestActiveConversation returns the user's most recently updated
// non-archived conversation, or ErrNotFound.
func (r *FileRepository) GetLatestActiveConversation(ctx context.Context, userID string) (*types.Conversation, error) {
	var latest *types.Conversation
	err := r.store.Scan(ctx, []string{"conversation", userID}, func(key string, data json.RawMessage) error {
		var conv types.Conversation
		if err := json.Unmarshal(data, &conv); err != nil {
			return err
		}
		if conv.Archived {
			return nil
		}
		if latest == nil || conv.Time.Updated > latest.Time.Updated {
			latest = &conv
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return latest, nil
}

// GetConversationInteractions returns a newest-first page of interactions.
func (r *FileRepository) GetConversationInteractions(ctx context.Context, conversationID string, limit, offset int) ([]*types.Interaction, error) {
	all, err := r.loadInteractions(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

// CountConversationInteractions returns the total interaction count.
func (r *FileRepository) CountConversationInteractions(ctx context.Context, conversationID string) (int, error) {
	keys, err := r.store.List(ctx, []string{"interaction", conversationID})
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// SaveInteraction writes one interaction.
func (r *FileRepository) SaveInteraction(ctx context.Context, inter *types.Interaction) error {
	return r.store.Put(ctx, []string{"interaction", inter.ConversationID, inter.ID}, inter)
}

// ArchiveConversation marks a conversation archived.
func (r *FileRepository) ArchiveConversation(ctx context.Context, id string) error {
	conv, err := r.GetConversation(ctx, id)
	if err != nil {
		return err
	}
	conv.Archived = true
	return r.SaveConversation(ctx, conv)
}

// UpdateConversationMetadata replaces a conversation's metadata.
func (r *FileRepository) UpdateConversationMetadata(ctx context.Context, id string, md types.ConversationMetadata) error {
	conv, err := r.GetConversation(ctx, id)
	if err != nil {
		return err
	}
	conv.Metadata = md
	return r.SaveConversation(ctx, conv)
}

// UpdateConversationTitle replaces a conversation's title.
func (r *FileRepository) UpdateConversationTitle(ctx context.Context, id, title string) error {
	conv, err := r.GetConversation(ctx, id)
	if err != nil {
		return err
	}
	conv.Title = title
	return r.SaveConversation(ctx, conv)
}

func (r *FileRepository) loadInteractions(ctx context.Context, conversationID string) ([]*types.Interaction, error) {
	var all []*types.Interaction
	err := r.store.Scan(ctx, []string{"interaction", conversationID}, func(key string, data json.RawMessage) error {
		var inter types.Interaction
		if err := json.Unmarshal(data, &inter); err != nil {
			return err
		}
		all = append(all, &inter)
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Newest first; ULIDs break creation-time ties.
	sort.Slice(all, func(i, j int) bool {
		if all[i].Time.Created != all[j].Time.Created {
			return all[i].Time.Created > all[j].Time.Created
		}
		return all[i].ID > all[j].ID
	})
	return all, nil
}
