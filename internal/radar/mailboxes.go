package radar

// Mailbox URL patterns for the Envelope Index mailboxes table. These are
// compiled-in constants, never derived from user input: they end up inside
// LIKE clauses against Mail.app's own database and must stay a closed set.
//
// Mail.app stores mailbox URLs with URL-encoded folder names, so the
// Chinese mailboxes appear percent-encoded.
var mailboxPatterns = map[string][]string{
	"INBOX": {
		"INBOX",
		"E6%94%B6%E4%BB%B6%E7%AE%B1", // 收件箱
	},
	"收件箱": {
		"INBOX",
		"E6%94%B6%E4%BB%B6%E7%AE%B1",
	},
	"Sent": {
		"Sent",
		"E5%8F%91%E4%BB%B6%E7%AE%B1",                   // 发件箱
		"E5%B7%B2%E5%8F%91%E9%80%81%E9%82%AE%E4%BB%B6", // 已发送邮件
		"E5%B7%B2%E5%8F%91%E9%80%81",                   // 已发送
	},
	"已发送": {
		"Sent",
		"E5%8F%91%E4%BB%B6%E7%AE%B1",
		"E5%B7%B2%E5%8F%91%E9%80%81%E9%82%AE%E4%BB%B6",
		"E5%B7%B2%E5%8F%91%E9%80%81",
	},
	"Archive": {
		"Archive",
		"E5%BD%92%E6%A1%A3", // 归档
	},
	"归档": {
		"Archive",
		"E5%BD%92%E6%A1%A3",
	},
}

// PatternsFor returns the URL patterns for a configured mailbox name.
// Unknown names match on the name itself so a plain ASCII folder still
// works, provided it passes the pattern character check.
func PatternsFor(mailbox string) []string {
	if p, ok := mailboxPatterns[mailbox]; ok {
		return p
	}
	return []string{mailbox}
}

// validPattern accepts only the characters that appear in mailbox URL
// fragments. Anything else is dropped before reaching a LIKE clause.
func validPattern(p string) bool {
	if p == "" {
		return false
	}
	for _, c := range p {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '%' || c == '_' || c == '-':
		default:
			return false
		}
	}
	return true
}
