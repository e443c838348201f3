package engine

// domContentLoadedJS resolves once the document has been parsed
const domContentLoadedJS = `() => new Promise(resolve => {
	if (document.readyState !== 'loading') { resolve(); return; }
	document.addEventListener('DOMContentLoaded', () => resolve(), { once: true });
})`

// roleQueryJS returns the first element whose explicit or implicit ARIA
// role is role and whose accessible name contains name (case-insensitive).
// Returning null lets rod keep polling until the deadline.
const roleQueryJS = `(role, name) => {
	const implicit = {
		button: 'button,input[type=button],input[type=submit],input[type=reset],input[type=image],summary',
		link: 'a[href],area[href]',
		textbox: 'input:not([type]),input[type=text],input[type=email],input[type=tel],input[type=url],input[type=search],input[type=password],textarea',
		searchbox: 'input[type=search]',
		checkbox: 'input[type=checkbox]',
		radio: 'input[type=radio]',
		combobox: 'select:not([multiple])',
		listbox: 'select[multiple],datalist',
		option: 'option',
		heading: 'h1,h2,h3,h4,h5,h6',
		list: 'ul,ol,menu',
		listitem: 'li',
		img: 'img[alt]:not([alt=""])',
		navigation: 'nav',
		main: 'main',
		form: 'form',
		table: 'table',
		row: 'tr',
		cell: 'td',
		columnheader: 'th',
		slider: 'input[type=range]',
		spinbutton: 'input[type=number]',
		dialog: 'dialog',
		article: 'article',
		banner: 'header',
		contentinfo: 'footer',
	};
	const selector = '[role="' + CSS.escape(role) + '"]' + (implicit[role] ? ',' + implicit[role] : '');
	const accessibleName = (el) => {
		const label = el.getAttribute('aria-label');
		if (label) return label;
		const labelledBy = el.getAttribute('aria-labelledby');
		if (labelledBy) {
			return labelledBy.split(/\s+/).map(id => {
				const ref = document.getElementById(id);
				return ref ? ref.textContent : '';
			}).join(' ');
		}
		if (el.labels && el.labels.length) {
			return Array.from(el.labels).map(l => l.textContent).join(' ');
		}
		if (el.tagName === 'INPUT' && ['button', 'submit', 'reset'].includes(el.type)) return el.value;
		if (el.tagName === 'IMG' || el.tagName === 'AREA' || (el.tagName === 'INPUT' && el.type === 'image')) return el.alt || '';
		return el.textContent || el.getAttribute('title') || '';
	};
	const wanted = (name || '').trim().toLowerCase();
	for (const el of document.querySelectorAll(selector)) {
		const explicit = el.getAttribute('role');
		if (explicit && explicit.split(/\s+/)[0] !== role) continue;
		if (!wanted) return el;
		if (accessibleName(el).replace(/\s+/g, ' ').trim().toLowerCase().includes(wanted)) return el;
	}
	return null;
}`

// selectOptionJS selects the options described by spec on a <select> and
// returns how many entries of spec matched nothing.
const selectOptionJS = `(spec) => {
	if (this.tagName !== 'SELECT') throw new Error('element is not a <select>');
	const wanted = Array.isArray(spec) ? spec : [spec];
	const options = Array.from(this.options);
	const picked = [];
	let missing = 0;
	for (const w of wanted) {
		const match = options.find((o, i) => {
			if (typeof w === 'string' || typeof w === 'number') return o.value === String(w) || o.label === String(w);
			if (w && typeof w === 'object') {
				if (w.value !== undefined && o.value !== String(w.value)) return false;
				if (w.label !== undefined && o.label !== String(w.label)) return false;
				if (w.index !== undefined && i !== Number(w.index)) return false;
				return true;
			}
			return false;
		});
		if (match) picked.push(match); else missing++;
	}
	if (missing > 0) return missing;
	if (!this.multiple && picked.length > 1) throw new Error('cannot select multiple options in a single <select>');
	for (const o of options) o.selected = picked.includes(o);
	this.dispatchEvent(new Event('input', { bubbles: true }));
	this.dispatchEvent(new Event('change', { bubbles: true }));
	return 0;
}`
