package common

// PublicUID is the pseudo-user every public posting is addressed to.
// Messages for this uid bypass relationship checks.
const PublicUID = 0

// KeyStalenessWindowDays is how long a cached person record stays fresh
// before the resolver re-probes the remote server.
const KeyStalenessWindowDays = 14

// MaxFetchDepth bounds the recursive remote fetch used to resolve missing
// parents and reshare-of-reshare chains.
const MaxFetchDepth = 5
