// Package config loads kiosk configuration.
//
// Values are resolved in this order:
//
//	1. .env file in the working directory (optional)
//	2. Environment variables prefixed with KIOSK_
//	3. A YAML file (kiosk.yaml, configs/kiosk.yaml or /etc/cleanhelmet/kiosk.yaml)
//
// The disinfection program is only configurable through the YAML file:
//
//	cycle:
//	  steps:
//	    - name: Oxi-Sanitização
//	      duration: 120s
//	    - name: Neutralização
//	      duration: 30s
//
// Thresholds used by the identity service and the entitlement ledger live in
// the identity and ledger sections so operators can tune them per site.
package config
