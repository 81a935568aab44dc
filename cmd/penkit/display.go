package main

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/CZERTAINLY/Penkit/internal/model"
	"github.com/CZERTAINLY/Penkit/internal/module"

	"github.com/pterm/pterm"
)

// printError shows err in a panel. Tool execution failures get
// remediation hints, parsing failures show an excerpt of the raw output.
func printError(err error) {
	var ie *model.IntegrationError
	switch {
	case errors.As(err, &ie) && errors.Is(ie, model.ErrToolExecution):
		body := ie.Msg
		if ie.Stderr != "" {
			body += "\n\n" + pterm.Gray(model.Excerpt(ie.Stderr, 500))
		}
		body += "\n\n" + strings.Join(remediation(ie.Tool), "\n")
		pterm.DefaultBox.WithTitle(pterm.Red("Tool execution failed: " + ie.Tool)).Println(body)
	case errors.As(err, &ie) && errors.Is(ie, model.ErrOutputParsing):
		body := ie.Msg
		if ie.Raw != "" {
			body += "\n\nRaw output:\n" + pterm.Gray(ie.Raw)
		}
		pterm.DefaultBox.WithTitle(pterm.Red("Could not parse " + ie.Tool + " output")).Println(body)
	case errors.Is(err, model.ErrConfiguration):
		pterm.DefaultBox.WithTitle(pterm.Red("Configuration error")).Println(err.Error())
	default:
		pterm.Error.Println(err.Error())
	}
}

func remediation(tool string) []string {
	return []string{
		"Possible fixes:",
		fmt.Sprintf("  - install %s and make sure it is in $PATH", tool),
		fmt.Sprintf("  - set tools.%s.path in the config", tool),
		fmt.Sprintf("  - set tools.%s.use_container to run it in a container", tool),
		"  - check the target is reachable and you have the required privileges",
		"  - check the container runtime is running when the tool runs in a container",
	}
}

func printHosts(hosts []model.Host) error {
	if len(hosts) == 0 {
		pterm.Warning.Println("No hosts found")
		return nil
	}
	data := pterm.TableData{{"IP", "Hostname", "Status", "OS", "Open ports"}}
	for _, h := range hosts {
		var open []string
		for _, p := range h.OpenPorts {
			if p.IsOpen() {
				open = append(open, strconv.Itoa(p.Number)+"/"+p.Protocol)
			}
		}
		data = append(data, []string{
			h.IPAddress,
			model.Deref(h.Hostname),
			string(h.Status),
			model.Deref(h.OSInfo),
			strings.Join(open, ", "),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func printPorts(hosts []model.Host) error {
	data := pterm.TableData{{"Host", "Port", "Protocol", "State", "Service", "Version"}}
	for _, h := range hosts {
		for _, p := range h.OpenPorts {
			data = append(data, []string{
				h.IPAddress,
				strconv.Itoa(p.Number),
				p.Protocol,
				colorState(p.State),
				model.Deref(p.Service),
				model.Deref(p.Version),
			})
		}
	}
	if len(data) == 1 {
		pterm.Info.Println("No ports reported")
		return nil
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func colorState(state string) string {
	switch state {
	case model.PortOpen:
		return pterm.Green(state)
	case model.PortFiltered:
		return pterm.Yellow(state)
	default:
		return state
	}
}

func printVulnerabilities(vulns []model.Vulnerability) error {
	if len(vulns) == 0 {
		pterm.Success.Println("No vulnerabilities found")
		return nil
	}
	data := pterm.TableData{{"Severity", "Title", "CVSS", "Affected", "Status"}}
	for _, v := range vulns {
		cvss := ""
		if v.CVSSScore != nil {
			cvss = strconv.FormatFloat(*v.CVSSScore, 'f', 1, 64)
		}
		data = append(data, []string{
			colorSeverity(v.Severity),
			v.Title,
			cvss,
			strings.Join(v.AffectedHosts, ", "),
			string(v.Status),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func colorSeverity(s model.Severity) string {
	switch s {
	case model.SeverityCritical, model.SeverityHigh:
		return pterm.Red(string(s))
	case model.SeverityMedium:
		return pterm.Yellow(string(s))
	default:
		return string(s)
	}
}

func printScan(sr model.ScanResult) error {
	pterm.DefaultSection.Printf("%s of %s: %s", sr.ScanType, sr.Target, sr.Status)
	if d, ok := sr.Duration(); ok {
		pterm.Info.Printf("finished in %s\n", d)
	}
	if err := printHosts(sr.Hosts); err != nil {
		return err
	}
	if len(sr.Hosts) > 0 {
		if err := printPorts(sr.Hosts); err != nil {
			return err
		}
	}
	if sr.ScanType == module.WebScanType || len(sr.Vulnerabilities) > 0 {
		return printVulnerabilities(sr.Vulnerabilities)
	}
	return nil
}

func printOptions(m module.Module) error {
	data := pterm.TableData{{"Name", "Value", "Required", "Description"}}
	for _, o := range m.Options() {
		req := ""
		if o.Required {
			req = "yes"
		}
		data = append(data, []string{o.Name, o.Value, req, o.Description})
	}
	pterm.DefaultSection.Println(m.Name())
	pterm.Println(m.Description())
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func printMap(title string, m map[string]int) error {
	if len(m) == 0 {
		return nil
	}
	data := pterm.TableData{{title, "Count"}}
	for _, k := range slices.Sorted(maps.Keys(m)) {
		data = append(data, []string{k, strconv.Itoa(m[k])})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}
