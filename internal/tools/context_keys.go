package tools

import "context"

// Context identifies who a tool is running for. The registry injects it into
// the execution context so tools stay stateless and safe for concurrent use.
type Context struct {
	GroupID   string
	UserID    string
	Nickname  string
	MessageID string
}

type toolContextKey string

const (
	ctxGroupID   toolContextKey = "tool_group_id"
	ctxUserID    toolContextKey = "tool_user_id"
	ctxNickname  toolContextKey = "tool_nickname"
	ctxMessageID toolContextKey = "tool_message_id"
)

// WithContext stores every field of tc on ctx.
func WithContext(ctx context.Context, tc Context) context.Context {
	ctx = context.WithValue(ctx, ctxGroupID, tc.GroupID)
	ctx = context.WithValue(ctx, ctxUserID, tc.UserID)
	ctx = context.WithValue(ctx, ctxNickname, tc.Nickname)
	return context.WithValue(ctx, ctxMessageID, tc.MessageID)
}

// FromContext reads back what WithContext stored.
func FromContext(ctx context.Context) Context {
	return Context{
		GroupID:   ToolGroupIDFromCtx(ctx),
		UserID:    ToolUserIDFromCtx(ctx),
		Nickname:  stringValue(ctx, ctxNickname),
		MessageID: stringValue(ctx, ctxMessageID),
	}
}

func ToolGroupIDFromCtx(ctx context.Context) string { return stringValue(ctx, ctxGroupID) }

func ToolUserIDFromCtx(ctx context.Context) string { return stringValue(ctx, ctxUserID) }

func stringValue(ctx context.Context, key toolContextKey) string {
	v, _ := ctx.Value(key).(string)
	return v
}
