// Package tgui holds the Telegram-facing presentation helpers: HTML escaping
// for ParseMode="HTML", platform size limits and inline keyboard markup.
package tgui
