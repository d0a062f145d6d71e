// Package email 提供 send_email 工具：通过 SMTP（STARTTLS）发送纯文本邮件，
// 支持一个抄送地址。发信属于敏感操作，执行前需要用户确认。
package email
