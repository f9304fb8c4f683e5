package linking

// Kind enumerates every possible result of a token consumption attempt.
// It is a closed set: callers render user-facing text with an exhaustive
// switch, and the engine never reports these conditions as errors.
type Kind int

const (
	// KindNoOp: the submitted token was blank. Nothing was touched.
	KindNoOp Kind = iota

	// KindTokenNotFound: no token row exists (never issued, superseded by a
	// re-issue, or already purged). Nothing was touched.
	KindTokenNotFound

	// KindTokenUsedByOtherChat: the token was already consumed from a
	// different chat. Nothing was touched.
	KindTokenUsedByOtherChat

	// KindAlreadyLinkedSameChat: the token was already consumed by this very
	// chat; idempotent re-confirmation.
	KindAlreadyLinkedSameChat

	// KindTokenExpired: the token outlived its expiry before being claimed.
	// The row is retired so the dead link cannot be retried forever.
	KindTokenExpired

	// KindChatBoundToOtherAccount: this chat already owns a different
	// account; a chat may not silently steal a second username.
	KindChatBoundToOtherAccount

	// KindRelinked: the account existed and now points at this chat instead
	// of its previous one.
	KindRelinked

	// KindAlreadyLinkedSameAccount: the account exists and already points at
	// this chat; idempotent.
	KindAlreadyLinkedSameAccount

	// KindLinkedNew: no account existed for the username; a shell account
	// was created and bound to this chat.
	KindLinkedNew
)

func (k Kind) String() string {
	switch k {
	case KindNoOp:
		return "no_op"
	case KindTokenNotFound:
		return "token_not_found"
	case KindTokenUsedByOtherChat:
		return "token_already_used"
	case KindAlreadyLinkedSameChat:
		return "already_linked_same_chat"
	case KindTokenExpired:
		return "token_expired"
	case KindChatBoundToOtherAccount:
		return "chat_in_use"
	case KindRelinked:
		return "updated_link"
	case KindAlreadyLinkedSameAccount:
		return "already_linked"
	case KindLinkedNew:
		return "linked_new"
	default:
		return "unknown"
	}
}

// Outcome is the value a consumption attempt resolves to.
type Outcome struct {
	Kind Kind

	// Username the token was issued for. Empty for NoOp, TokenNotFound and
	// TokenUsedByOtherChat (those outcomes must not leak the target account).
	Username string

	// BoundUsername is set for KindChatBoundToOtherAccount: the account this
	// chat already owns.
	BoundUsername string
}

// Mutated reports whether the outcome changed the account directory.
func (o Outcome) Mutated() bool {
	return o.Kind == KindRelinked || o.Kind == KindLinkedNew
}
