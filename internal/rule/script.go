package rule

import (
	"fmt"
	"strings"

	"expose/internal/types"
)

// InstallScript renders the nft script that installs the redirect for a
// descriptor. The leading add+delete pair makes the script an atomic swap:
// the table is guaranteed to exist before the delete so the delete cannot
// fail, and nft applies the whole script as one transaction, so at no point
// do two versions of the table coexist.
func InstallScript(d types.RuleDescriptor) string {
	var sb strings.Builder

	name := d.TableName()
	sb.WriteString(fmt.Sprintf("table ip %s\n", name))
	sb.WriteString(fmt.Sprintf("delete table ip %s\n", name))
	sb.WriteString(fmt.Sprintf("table ip %s {\n", name))
	sb.WriteString("\tchain prerouting {\n")
	sb.WriteString("\t\ttype nat hook prerouting priority dstnat; policy accept;\n")
	sb.WriteString("\t\t" + RedirectLine(d) + "\n")
	sb.WriteString("\t}\n\n")
	sb.WriteString("\tchain postrouting {\n")
	sb.WriteString("\t\ttype nat hook postrouting priority srcnat; policy accept;\n")
	sb.WriteString("\t\tmasquerade\n")
	sb.WriteString("\t}\n")
	sb.WriteString("}\n")

	return sb.String()
}

// RedirectLine is the dnat rule exactly as nft prints it back when listing
// the table, which is what the applier greps for during verification.
func RedirectLine(d types.RuleDescriptor) string {
	return fmt.Sprintf("%s dport %d dnat to %s", d.Protocol, d.RemotePort, d.LocalTarget)
}

// InstallCommand reads the install script from stdin so the script never
// passes through a shell.
func InstallCommand() string {
	return "nft -f -"
}

func ListCommand(d types.RuleDescriptor) string {
	return fmt.Sprintf("nft list table ip %s", d.TableName())
}

func DeleteCommand(d types.RuleDescriptor) string {
	return fmt.Sprintf("nft delete table ip %s", d.TableName())
}
