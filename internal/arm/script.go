package arm

import (
	"fmt"
	"strings"
)

// Output framing for script results. The parser splits on these; the
// escaper guarantees interpolated values cannot contain them.
const (
	fieldSep  = "{{SEP}}"
	recordSep = "{{REC}}"
)

// appleScriptNames maps configured mailbox names to the names Mail.app's
// scripting dictionary knows. Unlisted names pass through unchanged.
var appleScriptNames = map[string]string{
	"INBOX":   "收件箱",
	"收件箱":     "收件箱",
	"Sent":    "已发送邮件",
	"已发送":     "已发送邮件",
	"Archive": "归档",
	"归档":      "归档",
}

func appleScriptName(mailbox string) string {
	if n, ok := appleScriptNames[mailbox]; ok {
		return n
	}
	return mailbox
}

// escapeScript escapes a value for interpolation inside a double-quoted
// AppleScript string. The order matters: backslash doubling must run before
// quote escaping, and line breaks or tabs would break the script text so
// they become spaces.
func escapeScript(text string) string {
	text = strings.ReplaceAll(text, `\`, `\\`)
	text = strings.ReplaceAll(text, `"`, `\"`)
	text = strings.ReplaceAll(text, "\n", " ")
	text = strings.ReplaceAll(text, "\r", " ")
	text = strings.ReplaceAll(text, "\t", " ")
	return text
}

// isoDateBlock emits AppleScript that formats the date variable named src
// into an ISO string in the variable dateStr. Mail's `as string` date
// coercion is locale dependent; building the string field by field is not.
const isoDateBlock = `
                        set dateStr to (year of %[1]s as string) & "-"
                        set monthNum to (month of %[1]s as integer)
                        if monthNum < 10 then
                            set dateStr to dateStr & "0"
                        end if
                        set dateStr to dateStr & (monthNum as string) & "-"
                        set dayNum to (day of %[1]s as integer)
                        if dayNum < 10 then
                            set dateStr to dateStr & "0"
                        end if
                        set dateStr to dateStr & (dayNum as string) & "T"
                        set hourNum to (hours of %[1]s as integer)
                        if hourNum < 10 then
                            set dateStr to dateStr & "0"
                        end if
                        set dateStr to dateStr & (hourNum as string) & ":"
                        set minuteNum to (minutes of %[1]s as integer)
                        if minuteNum < 10 then
                            set dateStr to dateStr & "0"
                        end if
                        set dateStr to dateStr & (minuteNum as string) & ":"
                        set secondNum to (seconds of %[1]s as integer)
                        if secondNum < 10 then
                            set dateStr to dateStr & "0"
                        end if
                        set dateStr to dateStr & (secondNum as string)`

// fetchByIDScript locates a message by its integer id, the same id the
// Envelope Index exposes as ROWID. The whose-clause lookup is orders of
// magnitude faster than scanning for a textual message id.
func fetchByIDScript(account, mailbox string, internalID int64) string {
	return fmt.Sprintf(`
        tell application "Mail"
            tell account "%s"
                tell mailbox "%s"
                    try
                        set matches to (messages whose id is %d)
                        if (count of matches) is 0 then
                            return "ERROR%s" & "NOT_FOUND"
                        end if
                        set theMessage to item 1 of matches
                        set msgId to message id of theMessage
                        set msgSubject to subject of theMessage
                        set msgSender to sender of theMessage
                        set msgDate to date received of theMessage
                        set msgContent to content of theMessage
                        set msgSource to source of theMessage
                        set msgRead to read status of theMessage
                        set msgFlagged to flagged status of theMessage
%s
                        return "OK%s" & msgId & "%s" & msgSubject & "%s" & msgSender & "%s" & dateStr & "%s" & msgContent & "%s" & msgSource & "%s" & (msgRead as string) & "%s" & (msgFlagged as string)
                    on error errMsg
                        return "ERROR%s" & errMsg
                    end try
                end tell
            end tell
        end tell`,
		escapeScript(account), escapeScript(appleScriptName(mailbox)), internalID,
		fieldSep,
		fmt.Sprintf(isoDateBlock, "msgDate"),
		fieldSep, fieldSep, fieldSep, fieldSep, fieldSep, fieldSep, fieldSep, fieldSep,
		fieldSep,
	)
}

// fetchByPositionScript reads count messages starting at offset (newest
// first, AppleScript indexes from 1). References and In-Reply-To come from
// direct header lookup, which is several times faster than enumerating all
// headers.
func fetchByPositionScript(account, mailbox string, count, offset int) string {
	return fmt.Sprintf(`
        tell application "Mail"
            set resultList to {}
            tell account "%s"
                tell mailbox "%s"
                    set msgCount to count of messages
                    set startIdx to %d
                    set endIdx to %d

                    if startIdx > msgCount then
                        return ""
                    end if
                    if endIdx > msgCount then
                        set endIdx to msgCount
                    end if

                    repeat with i from startIdx to endIdx
                        try
                            set m to message i
                            set msgInternalId to id of m
                            set msgId to message id of m
                            set msgSubject to subject of m
                            set msgSender to sender of m
                            set msgDate to date received of m
                            set msgRead to read status of m
                            set msgFlagged to flagged status of m

                            set msgReferences to ""
                            set msgInReplyTo to ""
                            try
                                set msgReferences to content of header "References" of m
                            end try
                            try
                                set msgInReplyTo to content of header "In-Reply-To" of m
                            end try
%s
                            set info to (msgInternalId as string) & "%s" & msgId & "%s" & msgSubject & "%s" & msgSender & "%s" & dateStr & "%s" & (msgRead as string) & "%s" & (msgFlagged as string) & "%s" & msgReferences & "%s" & msgInReplyTo
                            set end of resultList to info
                        on error errMsg
                            -- unreadable message, skip
                        end try
                    end repeat
                end tell
            end tell

            set AppleScript's text item delimiters to "%s"
            set resultStr to resultList as string
            set AppleScript's text item delimiters to ""
            return resultStr
        end tell`,
		escapeScript(account), escapeScript(appleScriptName(mailbox)),
		offset+1, offset+count,
		fmt.Sprintf(isoDateBlock, "msgDate"),
		fieldSep, fieldSep, fieldSep, fieldSep, fieldSep, fieldSep, fieldSep, fieldSep,
		recordSep,
	)
}

// markReadScript sets read status by textual message id. Reverse-sync
// actions are rare, so the slower whose-clause on message id is fine here.
func markReadScript(account, mailbox, messageID string, read bool) string {
	return writeScript(account, mailbox, messageID,
		fmt.Sprintf("set read status of theMessage to %t", read))
}

// setFlagScript sets flagged status by textual message id.
func setFlagScript(account, mailbox, messageID string, flagged bool) string {
	return writeScript(account, mailbox, messageID,
		fmt.Sprintf("set flagged status of theMessage to %t", flagged))
}

func writeScript(account, mailbox, messageID, action string) string {
	return fmt.Sprintf(`
        tell application "Mail"
            tell account "%s"
                tell mailbox "%s"
                    try
                        set theMessage to first message whose message id is "%s"
                        %s
                        return "OK"
                    on error errMsg
                        return "ERROR: " & errMsg
                    end try
                end tell
            end tell
        end tell`,
		escapeScript(account), escapeScript(appleScriptName(mailbox)),
		escapeScript(messageID), action,
	)
}
