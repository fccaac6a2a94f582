// Package dedupe suppresses repeated change notifications. The change feed
// delivers at least once, so the same change id can arrive twice within a
// short window; the feed client drops the second copy here before decoding.
package dedupe
